package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/yourorg/integrations-api/internal/credentials"
	"github.com/yourorg/integrations-api/internal/domain"
)

// RESTMLS talks to JSON MLS APIs: Spark, Bridge, or a generic REST endpoint.
type RESTMLS struct {
	Logger *slog.Logger
}

type mlsFlavor struct {
	searchEndpoint string
	dataPath       string
	pageSize       int
}

var mlsFlavors = map[string]mlsFlavor{
	"generic": {searchEndpoint: "/listings", dataPath: "data.results", pageSize: 100},
	"spark":   {searchEndpoint: "/v1/listings", dataPath: "D.Results", pageSize: 25},
	"bridge":  {searchEndpoint: "/listings", dataPath: "bundle", pageSize: 200},
}

func (a *RESTMLS) Connect(ctx context.Context, in domain.Integration, secret credentials.Secret) (Session, error) {
	provider := in.Option("mls_provider", "generic")
	flavor, ok := mlsFlavors[provider]
	if !ok {
		return nil, domain.Errorf(domain.ErrConfig, "connect", "unknown mls_provider %q", provider)
	}
	if in.BaseURL == "" {
		return nil, domain.Errorf(domain.ErrConfig, "connect", "base_url is required")
	}
	if secret.IsZero() {
		return nil, domain.Errorf(domain.ErrAuth, "connect", "empty credential")
	}
	if n, err := strconv.Atoi(in.Option("page_size", "")); err == nil && n > 0 {
		flavor.pageSize = n
	}

	s := &restSession{
		in:       in,
		provider: provider,
		flavor:   flavor,
		dataPath: in.Option("data_path", flavor.dataPath),
		endpoint: in.Option("search_endpoint", flavor.searchEndpoint),
		http:     newHTTPClient(in, a.Logger),
	}
	switch {
	case provider == "bridge":
		s.token = secret.Reveal()
	case in.Option("auth_type", defaultAuth(provider)) == "bearer":
		s.header, s.value = "Authorization", "Bearer "+secret.Reveal()
	default:
		s.header, s.value = in.Option("api_key_header", "X-API-Key"), secret.Reveal()
	}

	if in.Option("ping_endpoint", "") != "" {
		if _, err := s.Healthcheck(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func defaultAuth(provider string) string {
	if provider == "spark" {
		return "bearer"
	}
	return "api_key"
}

type restSession struct {
	in       domain.Integration
	provider string
	flavor   mlsFlavor
	dataPath string
	endpoint string
	http     *retryablehttp.Client

	mu     sync.RWMutex
	header string
	value  string
	token  string
	closed bool
}

func (s *restSession) newRequest(ctx context.Context, op, rawURL string, q url.Values) (*retryablehttp.Request, error) {
	return s.request(ctx, op, http.MethodGet, rawURL, q, nil)
}

func (s *restSession) request(ctx context.Context, op, method, rawURL string, q url.Values, body []byte) (*retryablehttp.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, domain.Errorf(domain.ErrConfig, op, "session closed")
	}
	if s.token != "" {
		if q == nil {
			q = url.Values{}
		}
		q.Set("access_token", s.token)
	}
	if len(q) > 0 {
		rawURL += "?" + q.Encode()
	}
	var raw any
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, raw)
	if err != nil {
		return nil, domain.NewError(domain.ErrConfig, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.header != "" {
		req.Header.Set(s.header, s.value)
	}
	return req, nil
}

// query shapes criteria for the configured MLS flavor.
func (s *restSession) query(c domain.Criteria, pageNo, size int) url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	num := func(f float64) string {
		if f <= 0 {
			return ""
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	switch s.provider {
	case "spark":
		q.Set("includetypes", "A")
		set("city", c.City)
		set("state", c.State)
		set("postalcode", c.PostalCode)
		set("minimalprice", num(c.MinPrice))
		set("maximalprice", num(c.MaxPrice))
		set("minimalbeds", num(float64(c.MinBeds)))
		set("minimalbaths", num(c.MinBaths))
		set("propertytype", c.PropertyType)
		q.Set("_page", strconv.Itoa(pageNo))
		q.Set("_limit", strconv.Itoa(size))
	case "bridge":
		filter := map[string]any{}
		if c.City != "" {
			filter["City"] = c.City
		}
		if c.State != "" {
			filter["StateOrProvince"] = c.State
		}
		if c.PostalCode != "" {
			filter["PostalCode"] = c.PostalCode
		}
		if c.MinPrice > 0 {
			filter["ListPrice.min"] = c.MinPrice
		}
		if c.MaxPrice > 0 {
			filter["ListPrice.max"] = c.MaxPrice
		}
		if c.MinBeds > 0 {
			filter["BedroomsTotal.min"] = c.MinBeds
		}
		if c.MinBaths > 0 {
			filter["BathroomsTotalDecimal.min"] = c.MinBaths
		}
		if c.PropertyType != "" {
			filter["PropertyType"] = c.PropertyType
		}
		if len(filter) > 0 {
			b, _ := json.Marshal(filter)
			q.Set("filter", string(b))
		}
		q.Set("offset", strconv.Itoa((pageNo-1)*size))
		q.Set("limit", strconv.Itoa(size))
	default:
		set("q", c.Location)
		set("city", c.City)
		set("state", c.State)
		set("postal_code", c.PostalCode)
		set("min_price", num(c.MinPrice))
		set("max_price", num(c.MaxPrice))
		set("min_beds", num(float64(c.MinBeds)))
		set("min_baths", num(c.MinBaths))
		set("property_type", c.PropertyType)
		q.Set("page", strconv.Itoa(pageNo))
		q.Set("page_size", strconv.Itoa(size))
	}
	return q
}

func (s *restSession) Search(ctx context.Context, c domain.Criteria) (iter.Seq2[domain.RawRecord, error], error) {
	c = withLimit(c)
	size := min(s.flavor.pageSize, c.Limit)
	var load func(ctx context.Context, pageNo int) (page, error)
	load = func(ctx context.Context, pageNo int) (page, error) {
		req, err := s.newRequest(ctx, "search", joinURL(s.in.BaseURL, s.endpoint), s.query(c, pageNo, size))
		if err != nil {
			return page{}, err
		}
		body, err := do(s.http, "search", req)
		if err != nil {
			return page{}, err
		}
		recs, _, err := records("search", body, s.dataPath, domain.ProviderRESTMLS, s.in.Name)
		if err != nil {
			return page{}, err
		}
		p := page{records: recs}
		if len(recs) >= size {
			p.next = func(ctx context.Context) (page, error) { return load(ctx, pageNo+1) }
		}
		return p, nil
	}
	first, err := load(ctx, 1)
	if err != nil {
		return nil, err
	}
	return stream(ctx, first, c.Limit), nil
}

func (s *restSession) Fetch(ctx context.Context, id string) (domain.RawRecord, error) {
	endpoint := s.in.Option("fetch_endpoint", s.endpoint)
	req, err := s.newRequest(ctx, "fetch", joinURL(s.in.BaseURL, endpoint)+"/"+url.PathEscape(id), nil)
	if err != nil {
		return domain.RawRecord{}, err
	}
	body, err := do(s.http, "fetch", req)
	if err != nil {
		return domain.RawRecord{}, err
	}
	recs, _, err := records("fetch", body, s.in.Option("fetch_data_path", ""), domain.ProviderRESTMLS, s.in.Name)
	if err != nil {
		return domain.RawRecord{}, err
	}
	if len(recs) == 0 {
		return domain.RawRecord{}, domain.Errorf(domain.ErrNotFound, "fetch", "listing %s not found", id)
	}
	return recs[0], nil
}

// Healthcheck pings ping_endpoint, or the search endpoint with a one-record page.
func (s *restSession) Healthcheck(ctx context.Context) (domain.HealthStatus, error) {
	endpoint := s.in.Option("ping_endpoint", "")
	var q url.Values
	if endpoint == "" {
		endpoint = s.endpoint
		q = s.query(domain.Criteria{}, 1, 1)
	}
	req, err := s.newRequest(ctx, "healthcheck", joinURL(s.in.BaseURL, endpoint), q)
	if err != nil {
		return domain.HealthDown, err
	}
	return healthOf(s.http, req)
}

// Push posts records as one JSON array to push_endpoint, wrapped in an object
// under push_root_element when that option is set.
func (s *restSession) Push(ctx context.Context, recs []map[string]any) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	endpoint := s.in.Option("push_endpoint", "")
	if endpoint == "" {
		return 0, domain.Errorf(domain.ErrConfig, "push", "push_endpoint is not configured")
	}
	var payload any = recs
	if root := s.in.Option("push_root_element", ""); root != "" {
		payload = map[string]any{root: recs}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, domain.NewError(domain.ErrSchemaMismatch, "push", err)
	}
	req, err := s.request(ctx, "push", http.MethodPost, joinURL(s.in.BaseURL, endpoint), nil, b)
	if err != nil {
		return 0, err
	}
	if _, err := do(s.http, "push", req); err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (s *restSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.header, s.value, s.token = "", "", ""
	s.http.HTTPClient.CloseIdleConnections()
	return nil
}

// healthOf maps a healthcheck response: reachable but overloaded is degraded, auth
// failures are down, transport failures are transient errors.
func healthOf(rc *retryablehttp.Client, req *retryablehttp.Request) (domain.HealthStatus, error) {
	resp, err := rc.Do(req)
	if err != nil {
		return domain.HealthDown, transportError("healthcheck", err)
	}
	defer resp.Body.Close()
	body, _ := readAllLimit(resp.Body, 64<<10)
	switch code := resp.StatusCode; {
	case code < 400:
		return domain.HealthUp, nil
	case code == http.StatusTooManyRequests || code >= 500:
		return domain.HealthDegraded, nil
	default:
		err := statusError("healthcheck", resp, body)
		return domain.HealthDown, fmt.Errorf("healthcheck failed: %w", err)
	}
}
