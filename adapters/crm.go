package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/yourorg/integrations-api/internal/credentials"
	"github.com/yourorg/integrations-api/internal/domain"
)

const salesforceAPI = "/services/data/v58.0"

var (
	hubspotProperties = "address,unit,city,state,zip,latitude,longitude,price,bedrooms,bathrooms,square_footage,listing_date"
	salesforceFields  = "Id,Street__c,Unit__c,City__c,State__c,Postal_Code__c,Latitude__c,Longitude__c,Price__c,Bedrooms__c,Bathrooms__c,Square_Feet__c,Listing_Date__c"
)

// CRM reads property-like objects from HubSpot, Zoho, Salesforce or a generic REST CRM.
// The credential is an OAuth access token.
type CRM struct {
	Logger *slog.Logger
}

func (a *CRM) Connect(ctx context.Context, in domain.Integration, secret credentials.Secret) (Session, error) {
	if in.BaseURL == "" {
		return nil, domain.Errorf(domain.ErrConfig, "connect", "base_url is required")
	}
	if secret.IsZero() {
		return nil, domain.Errorf(domain.ErrAuth, "connect", "empty credential")
	}
	s := &crmSession{
		in:     in,
		vendor: in.Option("crm_provider", "generic"),
		entity: in.Option("entity", "properties"),
		http:   newHTTPClient(in, a.Logger),
		auth:   "Bearer " + secret.Reveal(),
	}
	switch s.vendor {
	case "hubspot", "salesforce", "generic":
	case "zoho":
		s.auth = "Zoho-oauthtoken " + secret.Reveal()
		s.entity = cases.Title(language.English).String(s.entity)
	default:
		return nil, domain.Errorf(domain.ErrConfig, "connect", "unknown crm_provider %q", s.vendor)
	}
	if s.vendor == "salesforce" {
		s.entity = in.Option("entity", "Property__c")
	}
	if in.Option("ping_endpoint", "") != "" {
		if _, err := s.Healthcheck(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

type crmSession struct {
	in     domain.Integration
	vendor string
	entity string
	http   *retryablehttp.Client

	mu     sync.RWMutex
	auth   string
	closed bool
}

func (s *crmSession) newRequest(ctx context.Context, op, method, rawURL string, q url.Values, body []byte) (*retryablehttp.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, domain.Errorf(domain.ErrConfig, op, "session closed")
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
	req.Header.Set("Authorization", s.auth)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (s *crmSession) get(ctx context.Context, op, endpoint string, q url.Values) ([]byte, error) {
	req, err := s.newRequest(ctx, op, http.MethodGet, joinURL(s.in.BaseURL, endpoint), q, nil)
	if err != nil {
		return nil, err
	}
	return do(s.http, op, req)
}

func (s *crmSession) Search(ctx context.Context, c domain.Criteria) (iter.Seq2[domain.RawRecord, error], error) {
	c = withLimit(c)
	var (
		first page
		err   error
	)
	switch s.vendor {
	case "hubspot":
		first, err = s.hubspotPage(ctx, c, "")
	case "zoho":
		first, err = s.zohoPage(ctx, c, 1)
	case "salesforce":
		first, err = s.salesforcePage(ctx, salesforceAPI+"/query", url.Values{"q": {s.soql(c)}})
	default:
		first, err = s.genericPage(ctx, c, 0)
	}
	if err != nil {
		return nil, err
	}
	return stream(ctx, first, c.Limit), nil
}

// hubspotPage uses the CRM search endpoint with one filter group; cursors come from paging.next.after.
func (s *crmSession) hubspotPage(ctx context.Context, c domain.Criteria, after string) (page, error) {
	type filter struct {
		PropertyName string `json:"propertyName"`
		Operator     string `json:"operator"`
		Value        string `json:"value"`
	}
	var filters []filter
	eq := func(prop, v string) {
		if v != "" {
			filters = append(filters, filter{prop, "EQ", v})
		}
	}
	gte := func(prop string, f float64) {
		if f > 0 {
			filters = append(filters, filter{prop, "GTE", strconv.FormatFloat(f, 'f', -1, 64)})
		}
	}
	eq("city", c.City)
	eq("state", c.State)
	eq("zip", c.PostalCode)
	eq("property_type", c.PropertyType)
	gte("price", c.MinPrice)
	if c.MaxPrice > 0 {
		filters = append(filters, filter{"price", "LTE", strconv.FormatFloat(c.MaxPrice, 'f', -1, 64)})
	}
	gte("bedrooms", float64(c.MinBeds))
	gte("bathrooms", c.MinBaths)

	body := map[string]any{
		"limit":      min(c.Limit, 100),
		"properties": strings.Split(s.in.Option("properties", hubspotProperties), ","),
	}
	if len(filters) > 0 {
		body["filterGroups"] = []map[string]any{{"filters": filters}}
	}
	if c.Location != "" {
		body["query"] = c.Location
	}
	if after != "" {
		body["after"] = after
	}
	b, _ := json.Marshal(body)
	req, err := s.newRequest(ctx, "search", http.MethodPost, joinURL(s.in.BaseURL, "/crm/v3/objects/"+s.entity+"/search"), nil, b)
	if err != nil {
		return page{}, err
	}
	resp, err := do(s.http, "search", req)
	if err != nil {
		return page{}, err
	}
	recs, doc, err := records("search", resp, "results", domain.ProviderCRM, s.in.Name)
	if err != nil {
		return page{}, err
	}
	p := page{records: recs}
	if next, ok := dig(doc, "paging.next.after"); ok && next != nil {
		cursor := fmt.Sprint(next)
		p.next = func(ctx context.Context) (page, error) { return s.hubspotPage(ctx, c, cursor) }
	}
	return p, nil
}

// zohoPage lists or searches a module; Zoho answers 204 when a search matches nothing.
func (s *crmSession) zohoPage(ctx context.Context, c domain.Criteria, pageNo int) (page, error) {
	perPage := min(c.Limit, 200)
	q := url.Values{"page": {strconv.Itoa(pageNo)}, "per_page": {strconv.Itoa(perPage)}}
	endpoint := "/crm/v2/" + s.entity
	if crit := zohoCriteria(c); crit != "" {
		endpoint += "/search"
		q.Set("criteria", crit)
	}
	resp, err := s.get(ctx, "search", endpoint, q)
	if err != nil {
		return page{}, err
	}
	if len(bytes.TrimSpace(resp)) == 0 {
		return page{}, nil
	}
	recs, doc, err := records("search", resp, "data", domain.ProviderCRM, s.in.Name)
	if err != nil {
		return page{}, err
	}
	p := page{records: recs}
	if more, _ := dig(doc, "info.more_records"); more == true {
		p.next = func(ctx context.Context) (page, error) { return s.zohoPage(ctx, c, pageNo+1) }
	}
	return p, nil
}

func zohoCriteria(c domain.Criteria) string {
	var parts []string
	add := func(field, op, v string) {
		if v != "" {
			parts = append(parts, "("+field+":"+op+":"+strings.NewReplacer("(", `\(`, ")", `\)`).Replace(v)+")")
		}
	}
	num := func(f float64) string {
		if f <= 0 {
			return ""
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	add("City", "equals", c.City)
	add("State", "equals", c.State)
	add("Zip_Code", "equals", c.PostalCode)
	add("Price", "greater_equal", num(c.MinPrice))
	add("Price", "less_equal", num(c.MaxPrice))
	add("Bedrooms", "greater_equal", num(float64(c.MinBeds)))
	add("Bathrooms", "greater_equal", num(c.MinBaths))
	add("Property_Type", "equals", c.PropertyType)
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, "and") + ")"
}

// salesforcePage runs a SOQL query; later pages follow nextRecordsUrl.
func (s *crmSession) salesforcePage(ctx context.Context, endpoint string, q url.Values) (page, error) {
	resp, err := s.get(ctx, "search", endpoint, q)
	if err != nil {
		return page{}, err
	}
	recs, doc, err := records("search", resp, "records", domain.ProviderCRM, s.in.Name)
	if err != nil {
		return page{}, err
	}
	for i := range recs {
		// attributes is SOQL metadata, not listing data
		delete(recs[i].Fields, "attributes")
	}
	p := page{records: recs}
	if done, _ := dig(doc, "done"); done == false {
		if next, ok := dig(doc, "nextRecordsUrl"); ok {
			if nextURL, ok := next.(string); ok && nextURL != "" {
				p.next = func(ctx context.Context) (page, error) { return s.salesforcePage(ctx, nextURL, nil) }
			}
		}
	}
	return p, nil
}

func (s *crmSession) soql(c domain.Criteria) string {
	var where []string
	str := func(field, v string) {
		if v != "" {
			where = append(where, field+" = '"+soqlEscape(v)+"'")
		}
	}
	num := func(field, op string, f float64) {
		if f > 0 {
			where = append(where, field+" "+op+" "+strconv.FormatFloat(f, 'f', -1, 64))
		}
	}
	str("City__c", c.City)
	str("State__c", c.State)
	str("Postal_Code__c", c.PostalCode)
	str("Property_Type__c", c.PropertyType)
	num("Price__c", ">=", c.MinPrice)
	num("Price__c", "<=", c.MaxPrice)
	num("Bedrooms__c", ">=", float64(c.MinBeds))
	num("Bathrooms__c", ">=", c.MinBaths)

	q := "SELECT " + s.in.Option("fields", salesforceFields) + " FROM " + s.entity
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return q + " LIMIT " + strconv.Itoa(c.Limit)
}

func soqlEscape(v string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v)
}

func (s *crmSession) genericPage(ctx context.Context, c domain.Criteria, offset int) (page, error) {
	size := min(c.Limit, 100)
	q := url.Values{"limit": {strconv.Itoa(size)}, "offset": {strconv.Itoa(offset)}}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("q", c.Location)
	set("city", c.City)
	set("state", c.State)
	set("zip", c.PostalCode)
	set("property_type", c.PropertyType)
	if c.MinPrice > 0 {
		q.Set("min_price", strconv.FormatFloat(c.MinPrice, 'f', -1, 64))
	}
	if c.MaxPrice > 0 {
		q.Set("max_price", strconv.FormatFloat(c.MaxPrice, 'f', -1, 64))
	}
	if c.MinBeds > 0 {
		q.Set("min_beds", strconv.Itoa(c.MinBeds))
	}
	resp, err := s.get(ctx, "search", "/"+s.entity, q)
	if err != nil {
		return page{}, err
	}
	recs, _, err := records("search", resp, s.in.Option("data_path", "data"), domain.ProviderCRM, s.in.Name)
	if err != nil {
		return page{}, err
	}
	p := page{records: recs}
	if len(recs) >= size {
		p.next = func(ctx context.Context) (page, error) { return s.genericPage(ctx, c, offset+len(recs)) }
	}
	return p, nil
}

func (s *crmSession) Fetch(ctx context.Context, id string) (domain.RawRecord, error) {
	var (
		endpoint string
		path     string
		q        url.Values
	)
	switch s.vendor {
	case "hubspot":
		endpoint = "/crm/v3/objects/" + s.entity + "/" + url.PathEscape(id)
		q = url.Values{"properties": {s.in.Option("properties", hubspotProperties)}}
	case "zoho":
		endpoint, path = "/crm/v2/"+s.entity+"/"+url.PathEscape(id), "data"
	case "salesforce":
		endpoint = salesforceAPI + "/sobjects/" + s.entity + "/" + url.PathEscape(id)
	default:
		endpoint, path = "/"+s.entity+"/"+url.PathEscape(id), s.in.Option("fetch_data_path", "")
	}
	resp, err := s.get(ctx, "fetch", endpoint, q)
	if err != nil {
		return domain.RawRecord{}, err
	}
	if len(bytes.TrimSpace(resp)) == 0 {
		return domain.RawRecord{}, domain.Errorf(domain.ErrNotFound, "fetch", "record %s not found", id)
	}
	recs, _, err := records("fetch", resp, path, domain.ProviderCRM, s.in.Name)
	if err != nil {
		return domain.RawRecord{}, err
	}
	if len(recs) == 0 {
		return domain.RawRecord{}, domain.Errorf(domain.ErrNotFound, "fetch", "record %s not found", id)
	}
	delete(recs[0].Fields, "attributes")
	return recs[0], nil
}

func (s *crmSession) Healthcheck(ctx context.Context) (domain.HealthStatus, error) {
	endpoint := s.in.Option("ping_endpoint", "")
	var q url.Values
	if endpoint == "" {
		switch s.vendor {
		case "hubspot":
			endpoint, q = "/crm/v3/objects/"+s.entity, url.Values{"limit": {"1"}}
		case "zoho":
			endpoint, q = "/crm/v2/"+s.entity, url.Values{"per_page": {"1"}}
		case "salesforce":
			endpoint = salesforceAPI + "/limits"
		default:
			endpoint, q = "/"+s.entity, url.Values{"limit": {"1"}}
		}
	}
	req, err := s.newRequest(ctx, "healthcheck", http.MethodGet, joinURL(s.in.BaseURL, endpoint), q, nil)
	if err != nil {
		return domain.HealthDown, err
	}
	return healthOf(s.http, req)
}

// Push creates records in the configured entity with the vendor's batch endpoint.
// The count is what the CRM reports as created, not what was sent.
func (s *crmSession) Push(ctx context.Context, recs []map[string]any) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	var (
		endpoint string
		payload  any
	)
	switch s.vendor {
	case "hubspot":
		inputs := make([]map[string]any, len(recs))
		for i, r := range recs {
			inputs[i] = map[string]any{"properties": r}
		}
		endpoint, payload = "/crm/v3/objects/"+s.entity+"/batch/create", map[string]any{"inputs": inputs}
	case "zoho":
		endpoint, payload = "/crm/v2/"+s.entity, map[string]any{"data": recs}
	case "salesforce":
		typed := make([]map[string]any, len(recs))
		for i, r := range recs {
			t := make(map[string]any, len(r)+1)
			for k, v := range r {
				t[k] = v
			}
			t["attributes"] = map[string]any{"type": s.entity}
			typed[i] = t
		}
		endpoint, payload = salesforceAPI+"/composite/sobjects", map[string]any{"allOrNone": false, "records": typed}
	default:
		endpoint, payload = s.in.Option("push_endpoint", "/"+s.entity), recs
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, domain.NewError(domain.ErrSchemaMismatch, "push", err)
	}
	req, err := s.newRequest(ctx, "push", http.MethodPost, joinURL(s.in.BaseURL, endpoint), nil, b)
	if err != nil {
		return 0, err
	}
	resp, err := do(s.http, "push", req)
	if err != nil {
		return 0, err
	}
	return s.pushed(resp, len(recs)), nil
}

// pushed counts created records in a batch response, falling back to sent when
// the body carries no per-record outcome.
func (s *crmSession) pushed(resp []byte, sent int) int {
	var doc any
	if json.Unmarshal(resp, &doc) != nil {
		return sent
	}
	var (
		items []any
		ok    func(map[string]any) bool
	)
	switch s.vendor {
	case "hubspot":
		if v, found := dig(doc, "results"); found {
			items, _ = v.([]any)
		}
		ok = func(map[string]any) bool { return true }
	case "zoho":
		if v, found := dig(doc, "data"); found {
			items, _ = v.([]any)
		}
		ok = func(m map[string]any) bool { return m["status"] == "success" }
	case "salesforce":
		items, _ = doc.([]any)
		ok = func(m map[string]any) bool { return m["success"] == true }
	}
	if items == nil {
		return sent
	}
	n := 0
	for _, it := range items {
		if m, isMap := it.(map[string]any); isMap && ok(m) {
			n++
		}
	}
	return n
}

func (s *crmSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.auth = ""
	s.http.HTTPClient.CloseIdleConnections()
	return nil
}
