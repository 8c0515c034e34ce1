package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 500
)

// Criteria is a provider-agnostic property search.
type Criteria struct {
	Location     string  `json:"location,omitempty"`
	City         string  `json:"city,omitempty"`
	State        string  `json:"state,omitempty"`
	PostalCode   string  `json:"postal_code,omitempty"`
	MinPrice     float64 `json:"min_price,omitempty"`
	MaxPrice     float64 `json:"max_price,omitempty"`
	MinBeds      int     `json:"min_beds,omitempty"`
	MinBaths     float64 `json:"min_baths,omitempty"`
	PropertyType string  `json:"property_type,omitempty"`
	Limit        int     `json:"limit,omitempty"`
}

// Normalized trims and lowercases text fields and clamps the limit, so equivalent
// searches compare equal.
func (c Criteria) Normalized() Criteria {
	c.Location = strings.ToLower(strings.Join(strings.Fields(c.Location), " "))
	c.City = strings.ToLower(strings.Join(strings.Fields(c.City), " "))
	c.State = strings.ToUpper(strings.TrimSpace(c.State))
	c.PostalCode = strings.TrimSpace(c.PostalCode)
	c.PropertyType = strings.ToLower(strings.TrimSpace(c.PropertyType))
	if c.MinPrice < 0 {
		c.MinPrice = 0
	}
	if c.MaxPrice < 0 {
		c.MaxPrice = 0
	}
	if c.MinBeds < 0 {
		c.MinBeds = 0
	}
	if c.MinBaths < 0 {
		c.MinBaths = 0
	}
	if c.Limit <= 0 {
		c.Limit = DefaultSearchLimit
	}
	if c.Limit > MaxSearchLimit {
		c.Limit = MaxSearchLimit
	}
	return c
}

// Scope selects integrations for a search: explicit names win, otherwise the default
// integration of each listed provider type (all types when empty).
type Scope struct {
	Names         []string       `json:"names,omitempty"`
	ProviderTypes []ProviderType `json:"provider_types,omitempty"`
}

func (s Scope) Normalized() Scope {
	out := Scope{}
	seen := map[string]bool{}
	for _, n := range s.Names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out.Names = append(out.Names, n)
	}
	sort.Strings(out.Names)
	seenPT := map[ProviderType]bool{}
	for _, p := range s.ProviderTypes {
		if seenPT[p] {
			continue
		}
		seenPT[p] = true
		out.ProviderTypes = append(out.ProviderTypes, p)
	}
	sort.Slice(out.ProviderTypes, func(i, j int) bool { return out.ProviderTypes[i] < out.ProviderTypes[j] })
	return out
}

// RawRecord is one provider record before normalization.
type RawRecord struct {
	Provider ProviderType   `json:"provider"`
	Source   string         `json:"source"`
	Fields   map[string]any `json:"fields"`
	Payload  []byte         `json:"-"`
}

// Sentinels for fields a provider did not supply.
const (
	UnknownCount = -1
	UnknownArea  = -1
)

var UnknownPrice = decimal.NewFromInt(-1)

type Address struct {
	Line1      string  `json:"line1"`
	Unit       string  `json:"unit,omitempty"`
	City       string  `json:"city"`
	State      string  `json:"state"`
	PostalCode string  `json:"postal_code"`
	Lat        float64 `json:"lat,omitempty"`
	Lon        float64 `json:"lon,omitempty"`
	Key        string  `json:"key"`
}

// SourceRef identifies one provider record that contributed to a canonical property.
type SourceRef struct {
	SourceName string `json:"source_name"`
	SourceID   string `json:"source_id"`
}

// CanonicalProperty is the normalized listing record. Treat values as immutable.
type CanonicalProperty struct {
	SourceID      string          `json:"source_id"`
	SourceName    string          `json:"source_name"`
	Address       Address         `json:"address"`
	Price         decimal.Decimal `json:"price"`
	Beds          int             `json:"beds"`
	Baths         float64         `json:"baths"`
	AreaSqft      float64         `json:"area_sqft"`
	ListingDate   time.Time       `json:"listing_date"`
	RawPayloadRef string          `json:"raw_payload_ref,omitempty"`
	Sources       []SourceRef     `json:"sources"`
}

// DedupKey is the within-source identity.
func (p CanonicalProperty) DedupKey() SourceRef {
	return SourceRef{SourceName: p.SourceName, SourceID: p.SourceID}
}

// WithSources returns a copy carrying refs, deduplicated and in stable order.
func (p CanonicalProperty) WithSources(refs ...SourceRef) CanonicalProperty {
	seen := map[SourceRef]bool{}
	out := make([]SourceRef, 0, len(p.Sources)+len(refs))
	for _, r := range append(append([]SourceRef{}, p.Sources...), refs...) {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceName != out[j].SourceName {
			return out[i].SourceName < out[j].SourceName
		}
		return out[i].SourceID < out[j].SourceID
	})
	p.Sources = out
	return p
}

// SourceIDs lists the ids of every contributing record.
func (p CanonicalProperty) SourceIDs() []string {
	ids := make([]string, 0, len(p.Sources))
	for _, r := range p.Sources {
		ids = append(ids, r.SourceID)
	}
	return ids
}

// Equal compares by value; decimals compare numerically.
func (p CanonicalProperty) Equal(o CanonicalProperty) bool {
	if p.SourceID != o.SourceID || p.SourceName != o.SourceName || p.Address != o.Address ||
		!p.Price.Equal(o.Price) || p.Beds != o.Beds || p.Baths != o.Baths || p.AreaSqft != o.AreaSqft ||
		!p.ListingDate.Equal(o.ListingDate) || p.RawPayloadRef != o.RawPayloadRef || len(p.Sources) != len(o.Sources) {
		return false
	}
	for i := range p.Sources {
		if p.Sources[i] != o.Sources[i] {
			return false
		}
	}
	return true
}

// RequestAttempt records one adapter call made by the executor.
type RequestAttempt struct {
	Timestamp   time.Time     `json:"timestamp"`
	Integration string        `json:"integration_name"`
	Op          string        `json:"op"`
	Attempt     int           `json:"attempt"`
	Outcome     string        `json:"outcome"`
	Latency     time.Duration `json:"latency"`
}
