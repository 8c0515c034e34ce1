package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/yourorg/integrations-api/internal/domain"
)

type SearchDeps struct {
	Manager Manager
}

type SearchRequest struct {
	Location     string   `json:"location,omitempty"`
	City         string   `json:"city,omitempty"`
	State        string   `json:"state,omitempty"`
	PostalCode   string   `json:"postalcode,omitempty"`
	PropertyType string   `json:"property_type,omitempty"`
	MinPrice     *float64 `json:"minprice,omitempty"`
	MaxPrice     *float64 `json:"maxprice,omitempty"`
	Beds         *int     `json:"beds,omitempty"`
	Baths        *float64 `json:"baths,omitempty"`
	Limit        *int     `json:"limit,omitempty"`

	// Names selects integrations explicitly; otherwise the default of each
	// provider type in ProviderTypes (all types when empty) is used.
	Names         []string              `json:"names,omitempty"`
	ProviderTypes []domain.ProviderType `json:"provider_types,omitempty"`
}

func defInt(v *int, d int) int {
	if v == nil {
		return d
	}
	return *v
}

func (s SearchRequest) criteria() domain.Criteria {
	c := domain.Criteria{
		Location:     s.Location,
		City:         s.City,
		State:        s.State,
		PostalCode:   s.PostalCode,
		PropertyType: s.PropertyType,
		MinBeds:      defInt(s.Beds, 0),
		Limit:        defInt(s.Limit, 0),
	}
	if s.MinPrice != nil {
		c.MinPrice = *s.MinPrice
	}
	if s.MaxPrice != nil {
		c.MaxPrice = *s.MaxPrice
	}
	if s.Baths != nil {
		c.MinBaths = *s.Baths
	}
	return c
}

func RegisterSearch(r chi.Router, d SearchDeps) {
	// POST: JSON body
	r.Post("/search", func(w http.ResponseWriter, req *http.Request) {
		var body SearchRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			badRequest(w, req, "invalid_json", err.Error())
			return
		}
		handleSearchRequest(w, req, d, body)
	})

	// GET: query params
	r.Get("/search", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		body := SearchRequest{
			Location:     q.Get("location"),
			City:         q.Get("city"),
			State:        q.Get("state"),
			PostalCode:   q.Get("postalcode"),
			PropertyType: q.Get("property_type"),
			Names:        splitList(q.Get("names")),
		}
		for _, pt := range splitList(q.Get("provider_types")) {
			body.ProviderTypes = append(body.ProviderTypes, domain.ProviderType(pt))
		}
		for key, dst := range map[string]**float64{"minprice": &body.MinPrice, "maxprice": &body.MaxPrice, "baths": &body.Baths} {
			if v := q.Get(key); v != "" {
				p, err := strconv.ParseFloat(v, 64)
				if err != nil {
					badRequest(w, req, "invalid_"+key, err.Error())
					return
				}
				*dst = &p
			}
		}
		for key, dst := range map[string]**int{"beds": &body.Beds, "limit": &body.Limit} {
			if v := q.Get(key); v != "" {
				i, err := strconv.Atoi(v)
				if err != nil {
					badRequest(w, req, "invalid_"+key, err.Error())
					return
				}
				*dst = &i
			}
		}
		handleSearchRequest(w, req, d, body)
	})
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func handleSearchRequest(w http.ResponseWriter, req *http.Request, d SearchDeps, body SearchRequest) {
	if body.Limit != nil && *body.Limit < 0 {
		badRequest(w, req, "invalid_limit", "limit must not be negative")
		return
	}
	c := body.criteria()
	if c.MaxPrice > 0 && c.MinPrice > c.MaxPrice {
		badRequest(w, req, "invalid_price_range", "minprice is greater than maxprice")
		return
	}
	res, err := d.Manager.Search(req.Context(), c, domain.Scope{Names: body.Names, ProviderTypes: body.ProviderTypes})
	if err != nil {
		if req.Context().Err() != nil {
			// client went away; nothing to write
			return
		}
		Fail(w, req, err)
		return
	}
	if res.Records == nil {
		res.Records = []domain.CanonicalProperty{}
	}
	render.JSON(w, req, res)
}
