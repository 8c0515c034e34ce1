package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/yourorg/integrations-api/internal/domain"
)

const maxBody = 4 << 20 // 4MB guard

// newHTTPClient builds a client whose retries are disabled; the executor owns retries.
func newHTTPClient(in domain.Integration, logger *slog.Logger) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.CheckRetry = func(context.Context, *http.Response, error) (bool, error) { return false, nil }
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient.Timeout = in.Timeout
	rc.Logger = logger.With("integration", in.Name)
	return rc
}

// statusError classifies a non-2xx response.
func statusError(op string, resp *http.Response, body []byte) error {
	code := resp.StatusCode
	err := fmt.Errorf("%s %s: status %d%s", resp.Request.Method, resp.Request.URL.Path, code, snippet(body))
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.NewError(domain.ErrAuth, op, err)
	case code == http.StatusNotFound:
		return domain.NewError(domain.ErrNotFound, op, err)
	case code == http.StatusRequestTimeout || code == http.StatusTooEarly || code == http.StatusTooManyRequests || code >= 500:
		return domain.NewError(domain.ErrTransient, op, err)
	default:
		return domain.NewError(domain.ErrConfig, op, err)
	}
}

// transportError classifies failures below HTTP: dial, TLS, timeouts, resets.
func transportError(op string, err error) error {
	var uerr interface{ Unwrap() error }
	if errors.As(err, &uerr) {
		// url.Error carries the full URL, which may include access tokens
		err = uerr.Unwrap()
	}
	return domain.NewError(domain.ErrTransient, op, err)
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return ""
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return ": " + s
}

func readAllLimit(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, errors.New("payload too large")
	}
	return b, nil
}

// do sends req and returns the body of a 2xx response.
func do(rc *retryablehttp.Client, op string, req *retryablehttp.Request) ([]byte, error) {
	resp, err := rc.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()
	body, err := readAllLimit(resp.Body, maxBody)
	if err != nil {
		return nil, domain.NewError(domain.ErrTransient, op, err)
	}
	if resp.StatusCode >= 400 {
		return nil, statusError(op, resp, body)
	}
	return body, nil
}

func decodeJSON(op string, body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, domain.NewError(domain.ErrSchemaMismatch, op, fmt.Errorf("decode response: %w", err))
	}
	return v, nil
}

// dig follows a dotted path; an empty path returns v.
func dig(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	for _, key := range strings.Split(path, ".") {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		if v, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return v, true
}

// records converts the array at path into raw records. A single object is one record.
func records(op string, body []byte, path string, pt domain.ProviderType, source string) ([]domain.RawRecord, any, error) {
	doc, err := decodeJSON(op, body)
	if err != nil {
		return nil, nil, err
	}
	v, ok := dig(doc, path)
	if !ok {
		return nil, doc, domain.Errorf(domain.ErrSchemaMismatch, op, "response has no %q", path)
	}
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		items = []any{t}
	case nil:
		return nil, doc, nil
	default:
		return nil, doc, domain.Errorf(domain.ErrSchemaMismatch, op, "%q is %T, want array", path, v)
	}
	out := make([]domain.RawRecord, 0, len(items))
	for _, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			return nil, doc, domain.Errorf(domain.ErrSchemaMismatch, op, "record is %T, want object", item)
		}
		payload, _ := json.Marshal(fields)
		out = append(out, domain.RawRecord{Provider: pt, Source: source, Fields: fields, Payload: payload})
	}
	return out, doc, nil
}

// joinURL appends an endpoint to a base URL.
func joinURL(base, endpoint string) string {
	if endpoint == "" {
		return base
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
}
