package adapters

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/yourorg/integrations-api/internal/credentials"
	"github.com/yourorg/integrations-api/internal/domain"
)

const defaultRETSVersion = "RETS/1.7.2"

// RETSMLS speaks the RETS Login and Search transactions with COMPACT-DECODED replies.
// The credential is "user:password"; only the session cookie survives Connect.
type RETSMLS struct {
	Logger *slog.Logger
}

func (a *RETSMLS) Connect(ctx context.Context, in domain.Integration, secret credentials.Secret) (Session, error) {
	if in.BaseURL == "" {
		return nil, domain.Errorf(domain.ErrConfig, "connect", "base_url is required")
	}
	user, pass, ok := strings.Cut(secret.Reveal(), ":")
	if !ok || user == "" {
		return nil, domain.Errorf(domain.ErrAuth, "connect", "rets credential must be user:password")
	}
	base, err := url.Parse(in.BaseURL)
	if err != nil {
		return nil, domain.NewError(domain.ErrConfig, "connect", err)
	}
	jar, _ := cookiejar.New(nil)
	rc := newHTTPClient(in, a.Logger)
	rc.HTTPClient.Jar = jar

	s := &retsSession{
		in:      in,
		base:    base,
		http:    rc,
		version: in.Option("rets_version", defaultRETSVersion),
		class:   in.Option("rets_class", "Residential"),
		idField: in.Option("rets_id_field", "ListingID"),
	}
	s.loginURL = s.resolve(in.Option("login_path", "/rets/login"))

	req, err := s.newRequest(ctx, "connect", s.loginURL, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(user, pass)
	body, err := do(rc, "connect", req)
	if err != nil {
		return nil, err
	}
	reply, err := parseRETS("connect", body)
	if err != nil {
		return nil, err
	}
	if err := reply.err("connect"); err != nil {
		return nil, err
	}
	caps := reply.capabilities()
	searchPath := in.Option("search_path", caps["Search"])
	if searchPath == "" {
		searchPath = "/rets/search"
	}
	s.searchURL = s.resolve(searchPath)
	return s, nil
}

type retsSession struct {
	in        domain.Integration
	base      *url.URL
	http      *retryablehttp.Client
	version   string
	class     string
	idField   string
	loginURL  string
	searchURL string

	mu     sync.RWMutex
	closed bool
}

func (s *retsSession) resolve(p string) string {
	ref, err := url.Parse(p)
	if err != nil {
		return joinURL(s.in.BaseURL, p)
	}
	if ref.IsAbs() {
		return ref.String()
	}
	if !strings.HasPrefix(ref.Path, "/") {
		ref.Path = strings.TrimRight(s.base.Path, "/") + "/" + ref.Path
	}
	return s.base.ResolveReference(ref).String()
}

func (s *retsSession) newRequest(ctx context.Context, op, rawURL string, q url.Values) (*retryablehttp.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, domain.Errorf(domain.ErrConfig, op, "session closed")
	}
	if len(q) > 0 {
		rawURL += "?" + q.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, domain.NewError(domain.ErrConfig, op, err)
	}
	req.Header.Set("RETS-Version", s.version)
	req.Header.Set("User-Agent", "integrations-api/1.0")
	req.Header.Set("Accept", "*/*")
	return req, nil
}

func (s *retsSession) searchParams(query string, limit, offset int, countOnly bool) url.Values {
	q := url.Values{}
	q.Set("SearchType", "Property")
	q.Set("Class", s.class)
	q.Set("QueryType", "DMQL2")
	q.Set("Query", query)
	q.Set("Format", "COMPACT-DECODED")
	q.Set("StandardNames", s.in.Option("standard_names", "1"))
	if countOnly {
		q.Set("Count", "2")
		return q
	}
	q.Set("Count", "1")
	q.Set("Limit", strconv.Itoa(limit))
	q.Set("Offset", strconv.Itoa(offset))
	return q
}

func (s *retsSession) search(ctx context.Context, op, query string, limit, offset int) (*retsReply, error) {
	req, err := s.newRequest(ctx, op, s.searchURL, s.searchParams(query, limit, offset, false))
	if err != nil {
		return nil, err
	}
	body, err := do(s.http, op, req)
	if err != nil {
		return nil, err
	}
	reply, err := parseRETS(op, body)
	if err != nil {
		return nil, err
	}
	return reply, reply.err(op)
}

func (s *retsSession) Search(ctx context.Context, c domain.Criteria) (iter.Seq2[domain.RawRecord, error], error) {
	c = withLimit(c)
	query := DMQL(c)
	size := min(c.Limit, 100)
	var load func(ctx context.Context, offset int) (page, error)
	load = func(ctx context.Context, offset int) (page, error) {
		reply, err := s.search(ctx, "search", query, size, offset)
		if err != nil {
			return page{}, err
		}
		recs, err := reply.records("search", s.in.Name)
		if err != nil {
			return page{}, err
		}
		p := page{records: recs}
		if reply.MaxRows != nil && len(recs) > 0 {
			next := offset + len(recs)
			p.next = func(ctx context.Context) (page, error) { return load(ctx, next) }
		}
		return p, nil
	}
	// RETS offsets are 1-based
	first, err := load(ctx, 1)
	if err != nil {
		return nil, err
	}
	return stream(ctx, first, c.Limit), nil
}

func (s *retsSession) Fetch(ctx context.Context, id string) (domain.RawRecord, error) {
	reply, err := s.search(ctx, "fetch", "("+s.idField+"="+dmqlValue(id)+")", 1, 1)
	if err != nil {
		return domain.RawRecord{}, err
	}
	recs, err := reply.records("fetch", s.in.Name)
	if err != nil {
		return domain.RawRecord{}, err
	}
	if len(recs) == 0 {
		return domain.RawRecord{}, domain.Errorf(domain.ErrNotFound, "fetch", "listing %s not found", id)
	}
	return recs[0], nil
}

// Healthcheck runs a count-only search on the existing session.
func (s *retsSession) Healthcheck(ctx context.Context) (domain.HealthStatus, error) {
	req, err := s.newRequest(ctx, "healthcheck", s.searchURL, s.searchParams("(ListPrice=0+)", 0, 0, true))
	if err != nil {
		return domain.HealthDown, err
	}
	return healthOf(s.http, req)
}

func (s *retsSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.http.HTTPClient.Jar = nil
	s.http.HTTPClient.CloseIdleConnections()
	return nil
}

// DMQL renders criteria as a DMQL2 query over standard names.
func DMQL(c domain.Criteria) string {
	var parts []string
	add := func(field, v string) {
		if v != "" {
			parts = append(parts, "("+field+"="+v+")")
		}
	}
	num := func(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

	add("City", dmqlValue(c.City))
	add("StateOrProvince", dmqlValue(c.State))
	add("PostalCode", dmqlValue(c.PostalCode))
	switch {
	case c.MinPrice > 0 && c.MaxPrice > 0:
		add("ListPrice", num(c.MinPrice)+"-"+num(c.MaxPrice))
	case c.MinPrice > 0:
		add("ListPrice", num(c.MinPrice)+"+")
	case c.MaxPrice > 0:
		add("ListPrice", num(c.MaxPrice)+"-")
	}
	if c.MinBeds > 0 {
		add("BedroomsTotal", strconv.Itoa(c.MinBeds)+"+")
	}
	if c.MinBaths > 0 {
		add("BathroomsTotalDecimal", num(c.MinBaths)+"+")
	}
	add("PropertyType", dmqlValue(c.PropertyType))
	if len(parts) == 0 {
		return "(ListPrice=0+)"
	}
	return strings.Join(parts, ",")
}

// dmqlValue strips DMQL operators from a literal.
func dmqlValue(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '(', ')', ',', '=', '|', '*', '?':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}
