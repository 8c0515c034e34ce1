// Package normalize maps provider records onto CanonicalProperty.
package normalize

import (
	"bytes"
	_ "embed"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/yourorg/integrations-api/internal/canon"
	"github.com/yourorg/integrations-api/internal/domain"
	"github.com/yourorg/integrations-api/internal/telemetry"
)

const sqmToSqft = 10.7639

//go:embed canonical.schema.json
var canonicalSchema []byte

type Normalizer struct {
	tables  map[domain.ProviderType]Mapping
	schema  *jsonschema.Schema
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func New(logger *slog.Logger, metrics *telemetry.Metrics) (*Normalizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("canonical.schema.json", bytes.NewReader(canonicalSchema)); err != nil {
		return nil, fmt.Errorf("add canonical schema: %w", err)
	}
	schema, err := compiler.Compile("canonical.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile canonical schema: %w", err)
	}
	return &Normalizer{tables: Tables, schema: schema, logger: logger, metrics: metrics}, nil
}

func mismatch(rec domain.RawRecord, format string, args ...any) error {
	return domain.WithIntegration(rec.Source, domain.Errorf(domain.ErrSchemaMismatch, "normalize", format, args...))
}

// Normalize maps one record. Missing fields become sentinels; a present field that
// cannot be coerced fails the record with ErrSchemaMismatch.
func (n *Normalizer) Normalize(rec domain.RawRecord) (domain.CanonicalProperty, error) {
	var p domain.CanonicalProperty
	m, ok := n.tables[rec.Provider]
	if !ok {
		return p, mismatch(rec, "no mapping for provider type %q", rec.Provider)
	}
	f := fieldReader{fields: rec.Fields}

	p.SourceID = f.str(m.ID)
	if p.SourceID == "" {
		return p, mismatch(rec, "record has no id")
	}
	p.SourceName = rec.Source
	if rec.Provider == ProviderCanonical {
		if name, _ := rec.Fields["source_name"].(string); name != "" {
			p.SourceName = name
		}
	}

	line1 := f.str(m.Line1)
	if line1 == "" && len(m.StreetParts) > 0 {
		line1 = f.join(m.StreetParts)
	}
	street, unit := canon.SplitUnit(line1)
	if u := f.str(m.Unit); u != "" {
		unit = u
	}
	if unit != "" {
		street += " UNIT " + unit
	}
	a := canon.Canonicalize(street, f.str(m.City), f.str(m.State), f.str(m.PostalCode))
	p.Address = domain.Address{Line1: a.Line1, Unit: a.Unit, City: a.City, State: a.State, PostalCode: a.Zip, Key: a.Key}
	if a.Line1 == "" {
		p.Address.Key = ""
	}
	if p.Address.Lat, ok = f.float(m.Lat); !ok {
		return p, mismatch(rec, "record %s: latitude %q", p.SourceID, f.lastRaw)
	}
	if p.Address.Lon, ok = f.float(m.Lon); !ok {
		return p, mismatch(rec, "record %s: longitude %q", p.SourceID, f.lastRaw)
	}

	area, ok := f.float(m.AreaSqft)
	if !ok || area < 0 {
		return p, mismatch(rec, "record %s: area %q", p.SourceID, f.lastRaw)
	}
	if f.found {
		area = round2(area)
	} else {
		sqm, ok := f.float(m.AreaSqm)
		switch {
		case !ok || sqm < 0:
			return p, mismatch(rec, "record %s: area_sqm %q", p.SourceID, f.lastRaw)
		case f.found:
			area = round2(sqm * sqmToSqft)
		default:
			area = domain.UnknownArea
		}
	}
	p.AreaSqft = area

	price, ok := f.decimal(m.Price)
	if !ok {
		return p, mismatch(rec, "record %s: price %q", p.SourceID, f.lastRaw)
	}
	if !f.found {
		price = domain.UnknownPrice
		ppsf, ok := f.decimal(m.PricePerSqft)
		if !ok {
			return p, mismatch(rec, "record %s: price_per_sqft %q", p.SourceID, f.lastRaw)
		}
		if f.found && area > 0 {
			price = ppsf.Mul(decimal.NewFromFloat(area)).Round(2)
		}
	}
	if price.IsNegative() && !price.Equal(domain.UnknownPrice) {
		return p, mismatch(rec, "record %s: negative price", p.SourceID)
	}
	p.Price = price

	beds, ok := f.float(m.Beds)
	switch {
	case !ok || beds != math.Trunc(beds) || beds < 0:
		return p, mismatch(rec, "record %s: bedrooms %q", p.SourceID, f.lastRaw)
	case f.found:
		p.Beds = int(beds)
	default:
		p.Beds = domain.UnknownCount
	}

	baths, ok := f.float(m.Baths)
	switch {
	case !ok || baths < 0:
		return p, mismatch(rec, "record %s: bathrooms %q", p.SourceID, f.lastRaw)
	case f.found:
		p.Baths = baths
	default:
		p.Baths = domain.UnknownCount
	}

	if p.ListingDate, ok = f.time(m.ListingDate); !ok {
		return p, mismatch(rec, "record %s: listing date %q", p.SourceID, f.lastRaw)
	}

	p.RawPayloadRef = PayloadRef(rec)
	if refs, ok := rec.Fields["sources"].([]domain.SourceRef); ok && rec.Provider == ProviderCanonical && len(refs) > 0 {
		p = p.WithSources(refs...)
	} else {
		p = p.WithSources(p.DedupKey())
	}

	if err := n.validate(p); err != nil {
		return p, mismatch(rec, "record %s: %v", p.SourceID, err)
	}
	return p, nil
}

// Batch normalizes records in order, dropping and logging the ones that fail.
func (n *Normalizer) Batch(recs []domain.RawRecord) ([]domain.CanonicalProperty, []error) {
	out := make([]domain.CanonicalProperty, 0, len(recs))
	var errs []error
	for _, rec := range recs {
		p, err := n.Normalize(rec)
		if err != nil {
			n.logger.Warn("dropping record", "integration", rec.Source, "provider_type", rec.Provider, "err", err)
			n.metrics.Mismatch(rec.Provider)
			errs = append(errs, err)
			continue
		}
		out = append(out, p)
	}
	return out, errs
}

func (n *Normalizer) validate(p domain.CanonicalProperty) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	return n.schema.Validate(doc)
}

// AsRaw renders a canonical property as a raw record of the canonical provider type,
// so normalizing it again yields an equal property.
func AsRaw(p domain.CanonicalProperty) domain.RawRecord {
	fields := map[string]any{
		"source_id":       p.SourceID,
		"source_name":     p.SourceName,
		"line1":           p.Address.Line1,
		"unit":            p.Address.Unit,
		"city":            p.Address.City,
		"state":           p.Address.State,
		"postal_code":     p.Address.PostalCode,
		"raw_payload_ref": p.RawPayloadRef,
		"sources":         append([]domain.SourceRef(nil), p.Sources...),
	}
	if p.Address.Lat != 0 || p.Address.Lon != 0 {
		fields["lat"], fields["lon"] = p.Address.Lat, p.Address.Lon
	}
	if !p.Price.Equal(domain.UnknownPrice) {
		fields["price"] = p.Price
	}
	if p.Beds != domain.UnknownCount {
		fields["beds"] = p.Beds
	}
	if p.Baths != domain.UnknownCount {
		fields["baths"] = p.Baths
	}
	if p.AreaSqft != domain.UnknownArea {
		fields["area_sqft"] = p.AreaSqft
	}
	if !p.ListingDate.IsZero() {
		fields["listing_date"] = p.ListingDate
	}
	return domain.RawRecord{Provider: ProviderCanonical, Source: p.SourceName, Fields: fields}
}

// PayloadRef is the content address of the record's raw payload.
func PayloadRef(rec domain.RawRecord) string {
	if rec.Provider == ProviderCanonical {
		ref, _ := rec.Fields["raw_payload_ref"].(string)
		return ref
	}
	sum := sha256.Sum256(Payload(rec))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Payload returns the raw provider bytes, or the record fields as JSON when the
// adapter kept none. Map keys marshal in sorted order.
func Payload(rec domain.RawRecord) []byte {
	if len(rec.Payload) > 0 {
		return rec.Payload
	}
	b, _ := json.Marshal(rec.Fields)
	return b
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
