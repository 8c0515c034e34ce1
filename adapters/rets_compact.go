package adapters

import (
	"bufio"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/yourorg/integrations-api/internal/domain"
)

// RETS reply codes the adapter distinguishes.
const (
	retsOK             = 0
	retsNoRecords      = 20201
	retsNoRecordsFetch = 20203
	retsUnknownQuery   = 20206
	retsInvalidQuery   = 20207
	retsLoginFailed    = 20036
	retsUnauthorized   = 20037
	retsBusy           = 20041
	retsTimeout        = 20209
)

type retsReply struct {
	XMLName   xml.Name `xml:"RETS"`
	ReplyCode int      `xml:"ReplyCode,attr"`
	ReplyText string   `xml:"ReplyText,attr"`
	Response  string   `xml:"RETS-RESPONSE"`
	Delimiter *struct {
		Value string `xml:"value,attr"`
	} `xml:"DELIMITER"`
	Columns string    `xml:"COLUMNS"`
	Data    []string  `xml:"DATA"`
	MaxRows *struct{} `xml:"MAXROWS"`
}

func parseRETS(op string, body []byte) (*retsReply, error) {
	var r retsReply
	if err := xml.Unmarshal(body, &r); err != nil {
		return nil, domain.NewError(domain.ErrSchemaMismatch, op, fmt.Errorf("decode rets reply: %w", err))
	}
	return &r, nil
}

// err maps the reply code onto the error taxonomy. "No records" is not an error.
func (r *retsReply) err(op string) error {
	switch r.ReplyCode {
	case retsOK, retsNoRecords:
		return nil
	case retsNoRecordsFetch:
		return domain.Errorf(domain.ErrNotFound, op, "rets %d: %s", r.ReplyCode, r.ReplyText)
	case retsLoginFailed, retsUnauthorized:
		return domain.Errorf(domain.ErrAuth, op, "rets %d: %s", r.ReplyCode, r.ReplyText)
	case retsBusy, retsTimeout:
		return domain.Errorf(domain.ErrTransient, op, "rets %d: %s", r.ReplyCode, r.ReplyText)
	case retsUnknownQuery, retsInvalidQuery:
		return domain.Errorf(domain.ErrConfig, op, "rets %d: %s", r.ReplyCode, r.ReplyText)
	default:
		return domain.Errorf(domain.ErrSchemaMismatch, op, "rets %d: %s", r.ReplyCode, r.ReplyText)
	}
}

// capabilities parses the Key=Value lines of a login response.
func (r *retsReply) capabilities() map[string]string {
	caps := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(r.Response))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if ok {
			caps[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return caps
}

func (r *retsReply) delimiter() (string, error) {
	if r.Delimiter == nil || r.Delimiter.Value == "" {
		return "\t", nil
	}
	b, err := strconv.ParseUint(r.Delimiter.Value, 16, 8)
	if err != nil {
		return "", err
	}
	return string(rune(b)), nil
}

// records decodes COMPACT rows into raw records keyed by column name.
func (r *retsReply) records(op, source string) ([]domain.RawRecord, error) {
	if r.ReplyCode == retsNoRecords || len(r.Data) == 0 {
		return nil, nil
	}
	delim, err := r.delimiter()
	if err != nil {
		return nil, domain.NewError(domain.ErrSchemaMismatch, op, fmt.Errorf("bad delimiter: %w", err))
	}
	cols := splitCompact(r.Columns, delim)
	if len(cols) == 0 {
		return nil, domain.Errorf(domain.ErrSchemaMismatch, op, "rets reply has data but no columns")
	}
	out := make([]domain.RawRecord, 0, len(r.Data))
	for i, row := range r.Data {
		vals := splitCompact(row, delim)
		if len(vals) != len(cols) {
			return nil, domain.Errorf(domain.ErrSchemaMismatch, op, "row %d has %d values for %d columns", i, len(vals), len(cols))
		}
		fields := make(map[string]any, len(cols))
		for j, c := range cols {
			fields[c] = vals[j]
		}
		payload, _ := json.Marshal(fields)
		out = append(out, domain.RawRecord{Provider: domain.ProviderRETSMLS, Source: source, Fields: fields, Payload: payload})
	}
	return out, nil
}

// splitCompact drops the leading and trailing delimiter of a COMPACT line.
func splitCompact(line, delim string) []string {
	line = strings.Trim(line, "\r\n")
	line = strings.TrimPrefix(line, delim)
	line = strings.TrimSuffix(line, delim)
	if line == "" {
		return nil
	}
	return strings.Split(line, delim)
}
