package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/integrations-api/internal/credentials"
	"github.com/yourorg/integrations-api/internal/domain"
	"github.com/yourorg/integrations-api/internal/logger"
)

const retsLoginOK = `<RETS ReplyCode="0" ReplyText="Operation Successful">
<RETS-RESPONSE>
MemberName=Test Agent
Search=/rets/search
Logout=/rets/logout
</RETS-RESPONSE>
</RETS>`

func compact(code int, maxRows bool, rows ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<RETS ReplyCode="%d" ReplyText="ok">`+"\n", code)
	if len(rows) > 0 {
		b.WriteString(`<DELIMITER value="09"/>` + "\n")
		b.WriteString("<COLUMNS>\tListingID\tCity\tListPrice\t</COLUMNS>\n")
		for _, r := range rows {
			b.WriteString("<DATA>\t" + r + "\t</DATA>\n")
		}
	}
	if maxRows {
		b.WriteString("<MAXROWS/>\n")
	}
	b.WriteString("</RETS>")
	return b.String()
}

// retsServer requires a session cookie from a basic-auth login on every search.
func retsServer(t *testing.T, search func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/rets/login", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, defaultRETSVersion, r.Header.Get("RETS-Version"))
		user, pass, ok := r.BasicAuth()
		if !ok || user != "agent" || pass != "pw" {
			_, _ = w.Write([]byte(`<RETS ReplyCode="20036" ReplyText="Invalid login"/>`))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "RETS-Session-ID", Value: "sess-1", Path: "/"})
		_, _ = w.Write([]byte(retsLoginOK))
	})
	mux.HandleFunc("/rets/search", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("RETS-Session-ID"); err != nil || c.Value != "sess-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _, auth := r.BasicAuth()
		assert.False(t, auth, "password must not be resent after login")
		search(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func connectRETS(t *testing.T, url, secret string) (Session, error) {
	t.Helper()
	a := &RETSMLS{Logger: logger.Discard()}
	s, err := a.Connect(context.Background(), testIntegration(domain.ProviderRETSMLS, url, nil), credentials.NewSecret(secret))
	if err == nil {
		t.Cleanup(func() { _ = s.Close() })
	}
	return s, err
}

func TestRETSMLS_SearchCompactPages(t *testing.T) {
	var (
		mu      sync.Mutex
		offsets []string
	)
	srv := retsServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "Property", q.Get("SearchType"))
		assert.Equal(t, "Residential", q.Get("Class"))
		assert.Equal(t, "COMPACT-DECODED", q.Get("Format"))
		assert.Equal(t, "(City=Austin),(ListPrice=200000-500000)", q.Get("Query"))
		mu.Lock()
		offsets = append(offsets, q.Get("Offset"))
		mu.Unlock()
		switch q.Get("Offset") {
		case "1":
			_, _ = w.Write([]byte(compact(0, true, "L1\tAustin\t250000", "L2\tAustin\t300000")))
		default:
			_, _ = w.Write([]byte(compact(0, false, "L3\tAustin\t450000")))
		}
	})

	s, err := connectRETS(t, srv.URL, "agent:pw")
	require.NoError(t, err)

	seq, err := s.Search(context.Background(), domain.Criteria{City: "Austin", MinPrice: 200000, MaxPrice: 500000, Limit: 10})
	require.NoError(t, err)
	recs, err := collect(seq)
	require.NoError(t, err)

	assert.Equal(t, []string{"L1", "L2", "L3"}, ids(recs, "ListingID"))
	mu.Lock()
	assert.Equal(t, []string{"1", "3"}, offsets)
	mu.Unlock()
	assert.Equal(t, "300000", recs[1].Fields["ListPrice"])
	assert.Equal(t, domain.ProviderRETSMLS, recs[0].Provider)
}

func TestRETSMLS_NoRecordsIsEmpty(t *testing.T) {
	srv := retsServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(compact(retsNoRecords, false)))
	})
	s, err := connectRETS(t, srv.URL, "agent:pw")
	require.NoError(t, err)

	seq, err := s.Search(context.Background(), domain.Criteria{City: "Nowhere"})
	require.NoError(t, err)
	recs, err := collect(seq)
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = s.Fetch(context.Background(), "L9")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRETSMLS_Fetch(t *testing.T) {
	srv := retsServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "(ListingID=L1)", r.URL.Query().Get("Query"))
		_, _ = w.Write([]byte(compact(0, false, "L1\tAustin\t250000")))
	})
	s, err := connectRETS(t, srv.URL, "agent:pw")
	require.NoError(t, err)

	rec, err := s.Fetch(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, "Austin", rec.Fields["City"])
}

func TestRETSMLS_LoginFailures(t *testing.T) {
	srv := retsServer(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := connectRETS(t, srv.URL, "agent:wrong")
	assert.ErrorIs(t, err, domain.ErrAuth)
	assert.NotContains(t, err.Error(), "wrong")

	_, err = connectRETS(t, srv.URL, "no-colon")
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestRETSMLS_ReplyCodes(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{retsInvalidQuery, domain.ErrConfig},
		{retsUnauthorized, domain.ErrAuth},
		{retsBusy, domain.ErrTransient},
		{20999, domain.ErrSchemaMismatch},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			srv := retsServer(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(compact(tt.code, false)))
			})
			s, err := connectRETS(t, srv.URL, "agent:pw")
			require.NoError(t, err)
			_, err = s.Search(context.Background(), domain.Criteria{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRETSMLS_MalformedRows(t *testing.T) {
	srv := retsServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(compact(0, false, "L1\tAustin")))
	})
	s, err := connectRETS(t, srv.URL, "agent:pw")
	require.NoError(t, err)
	_, err = s.Search(context.Background(), domain.Criteria{})
	assert.ErrorIs(t, err, domain.ErrSchemaMismatch)
}

func TestRETSMLS_Healthcheck(t *testing.T) {
	srv := retsServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("Count"))
		_, _ = w.Write([]byte(`<RETS ReplyCode="0" ReplyText="ok"><COUNT Records="12"/></RETS>`))
	})
	s, err := connectRETS(t, srv.URL, "agent:pw")
	require.NoError(t, err)

	h, err := s.Healthcheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUp, h)

	require.NoError(t, s.Close())
	_, err = s.Healthcheck(context.Background())
	assert.Error(t, err)
}

func TestDMQL(t *testing.T) {
	tests := []struct {
		name string
		in   domain.Criteria
		want string
	}{
		{"empty", domain.Criteria{}, "(ListPrice=0+)"},
		{"min only", domain.Criteria{MinPrice: 1000}, "(ListPrice=1000+)"},
		{"max only", domain.Criteria{MaxPrice: 2000}, "(ListPrice=2000-)"},
		{"beds and baths", domain.Criteria{MinBeds: 3, MinBaths: 2.5}, "(BedroomsTotal=3+),(BathroomsTotalDecimal=2.5+)"},
		{"operators stripped", domain.Criteria{City: "Austin),(ListPrice=0"}, "(City=AustinListPrice0)"},
		{"zip and state", domain.Criteria{State: "TX", PostalCode: "78701"}, "(StateOrProvince=TX),(PostalCode=78701)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DMQL(tt.in))
		})
	}
}
