package shopify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyaltyhub/internal/loyalty"
)

type recordedCall struct {
	Method string
	Path   string
	Body   string
}

// fakeShopify is an in-process Admin API with programmable handlers.
type fakeShopify struct {
	t      *testing.T
	mu     sync.Mutex
	calls  []recordedCall
	routes map[string]http.HandlerFunc
}

func newFakeShopify(t *testing.T) (*fakeShopify, *Adapter) {
	t.Helper()
	f := &fakeShopify{t: t, routes: map[string]http.HandlerFunc{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	adapter := NewAdapter(Config{StoreURL: srv.URL, AccessToken: "shpat_test"}, logger)
	return f, adapter
}

func (f *fakeShopify) handle(method, path string, h http.HandlerFunc) {
	f.routes[method+" "+path] = h
}

func (f *fakeShopify) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := strings.TrimPrefix(r.URL.Path, "/admin/api/2023-10")

	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Method: r.Method, Path: path, Body: string(body)})
	h, ok := f.routes[r.Method+" "+path]
	f.mu.Unlock()

	assert.Equal(f.t, "shpat_test", r.Header.Get("X-Shopify-Access-Token"))
	if !ok {
		http.Error(w, `{"errors":"Not Found"}`, http.StatusNotFound)
		return
	}
	h(w, r)
}

func (f *fakeShopify) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

func (f *fakeShopify) lastBody(method, path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Method == method && f.calls[i].Path == path {
			return f.calls[i].Body
		}
	}
	return ""
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestNewAdapter_AddsSchemeAndVersion(t *testing.T) {
	a := NewAdapter(Config{StoreURL: "demo.myshopify.com/"}, slog.Default())
	assert.Equal(t, "https://demo.myshopify.com/admin/api/2023-10", a.baseURL)
}

func TestGetPoints(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int64
		wantErr error
	}{
		{
			name: "quoted value",
			body: `{"metafields":[{"id":91,"namespace":"other","key":"points","value":"5"},{"id":92,"namespace":"loyalty","key":"points","value":"1000"}]}`,
			want: 1000,
		},
		{
			name: "numeric value",
			body: `{"metafields":[{"id":92,"namespace":"loyalty","key":"points","value":250}]}`,
			want: 250,
		},
		{
			name: "negative clamps to zero",
			body: `{"metafields":[{"id":92,"namespace":"loyalty","key":"points","value":"-40"}]}`,
			want: 0,
		},
		{
			name:    "no loyalty metafield",
			body:    `{"metafields":[]}`,
			wantErr: loyalty.ErrNoPointsAccount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, a := newFakeShopify(t)
			f.handle(http.MethodGet, "/customers/7001/metafields.json", respond(http.StatusOK, tt.body))

			account, err := a.GetPoints(context.Background(), "7001")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, account.Points)
			assert.Equal(t, "92", account.MetafieldID)
			assert.Equal(t, "7001", account.CustomerID)
		})
	}
}

func TestGetPoints_APIErrorIsNotNoAccount(t *testing.T) {
	f, a := newFakeShopify(t)
	f.handle(http.MethodGet, "/customers/7001/metafields.json", respond(http.StatusInternalServerError, `{"errors":"boom"}`))

	_, err := a.GetPoints(context.Background(), "7001")
	require.Error(t, err)
	assert.NotErrorIs(t, err, loyalty.ErrNoPointsAccount)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestSetPoints_UpdatesExistingMetafield(t *testing.T) {
	f, a := newFakeShopify(t)
	f.handle(http.MethodPut, "/metafields/92.json", respond(http.StatusOK, `{"metafield":{"id":92,"namespace":"loyalty","key":"points","value":"900"}}`))

	account := &loyalty.PointsAccount{CustomerID: "7001", MetafieldID: "92", Points: 1000}
	require.NoError(t, a.SetPoints(context.Background(), account, 900))

	assert.Equal(t, int64(900), account.Points)
	body := f.lastBody(http.MethodPut, "/metafields/92.json")
	assert.Contains(t, body, `"value":"900"`)
	assert.Contains(t, body, `"type":"number_integer"`)
}

func TestSetPoints_CreatesMetafieldOnFirstWrite(t *testing.T) {
	f, a := newFakeShopify(t)
	f.handle(http.MethodPost, "/metafields.json", respond(http.StatusCreated, `{"metafield":{"id":555,"namespace":"loyalty","key":"points","value":"150"}}`))

	account := &loyalty.PointsAccount{CustomerID: "7001"}
	require.NoError(t, a.SetPoints(context.Background(), account, 150))

	assert.Equal(t, "555", account.MetafieldID)
	assert.Equal(t, int64(150), account.Points)

	var sent metafieldEnvelope
	require.NoError(t, json.Unmarshal([]byte(f.lastBody(http.MethodPost, "/metafields.json")), &sent))
	assert.Equal(t, "customer", sent.Metafield.OwnerResource)
	assert.Equal(t, "7001", sent.Metafield.OwnerID.String())
}

func testSpec() loyalty.DiscountSpec {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return loyalty.DiscountSpec{
		CustomerID:  "7001",
		CartToken:   "cart-abc",
		Code:        "PSKLTY7001ABCD",
		Points:      100,
		MinSubtotal: decimal.NewFromInt(2000),
		StartsAt:    start,
		EndsAt:      start.Add(15 * time.Minute),
	}
}

func TestCreate_ProvisionsRuleAndCode(t *testing.T) {
	f, a := newFakeShopify(t)
	f.handle(http.MethodPost, "/price_rules.json", respond(http.StatusCreated, `{"price_rule":{"id":4401}}`))
	f.handle(http.MethodPost, "/price_rules/4401/discount_codes.json", respond(http.StatusCreated, `{"discount_code":{"id":1,"code":"PSKLTY7001ABCD"}}`))

	got, err := a.Create(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, "PSKLTY7001ABCD", got.Code)
	assert.Equal(t, "4401", got.PriceRuleID)

	var sent priceRuleEnvelope
	require.NoError(t, json.Unmarshal([]byte(f.lastBody(http.MethodPost, "/price_rules.json")), &sent))
	rule := sent.PriceRule
	assert.Equal(t, "Loyalty Redemption - Customer:7001 - Cart:cart-abc - Points:100", rule.Title)
	assert.Equal(t, "-100", rule.Value)
	assert.Equal(t, "fixed_amount", rule.ValueType)
	assert.Equal(t, "prerequisite", rule.CustomerSelection)
	assert.Equal(t, []json.Number{"7001"}, rule.PrerequisiteCustomerIDs)
	require.NotNil(t, rule.UsageLimit)
	assert.Equal(t, 1, *rule.UsageLimit)
	assert.True(t, rule.OncePerCustomer)
	require.NotNil(t, rule.EndsAt)
	assert.True(t, rule.EndsAt.Equal(testSpec().EndsAt))
	require.NotNil(t, rule.PrerequisiteSubtotalRange)
	assert.Equal(t, "2000", rule.PrerequisiteSubtotalRange.GreaterThanOrEqualTo)
}

func TestCreate_DeletesRuleWhenCodeFails(t *testing.T) {
	f, a := newFakeShopify(t)
	f.handle(http.MethodPost, "/price_rules.json", respond(http.StatusCreated, `{"price_rule":{"id":4401}}`))
	f.handle(http.MethodPost, "/price_rules/4401/discount_codes.json", respond(http.StatusUnprocessableEntity, `{"errors":{"code":["must be unique"]}}`))
	f.handle(http.MethodDelete, "/price_rules/4401.json", respond(http.StatusNoContent, ""))

	_, err := a.Create(context.Background(), testSpec())
	require.Error(t, err)
	assert.Equal(t, 1, f.count(http.MethodDelete, "/price_rules/4401.json"))
}

func TestDelete_NotFoundCountsAsDeleted(t *testing.T) {
	f, a := newFakeShopify(t)
	f.handle(http.MethodDelete, "/price_rules/1.json", respond(http.StatusServiceUnavailable, `{}`))

	assert.NoError(t, a.Delete(context.Background(), "404404"))
	assert.Error(t, a.Delete(context.Background(), "1"))
}

func TestListActive_FiltersByCustomerAndWindow(t *testing.T) {
	f, a := newFakeShopify(t)
	f.handle(http.MethodGet, "/price_rules.json", respond(http.StatusOK, `{"price_rules":[
		{"id":1,"title":"Loyalty Redemption - Customer:7001 - Cart:a - Points:100","starts_at":"2024-03-01T11:50:00Z","ends_at":"2024-03-01T12:05:00Z"},
		{"id":2,"title":"Loyalty Redemption - Customer:70012 - Cart:b - Points:100","starts_at":"2024-03-01T11:50:00Z","ends_at":"2024-03-01T12:05:00Z"},
		{"id":3,"title":"Loyalty Redemption - Customer:7001 - Cart:c - Points:50","starts_at":"2024-03-01T11:00:00Z","ends_at":"2024-03-01T11:15:00Z"},
		{"id":4,"title":"Summer Sale","starts_at":"2024-01-01T00:00:00Z"},
		{"id":5,"title":"Loyalty Redemption - Customer:7001 - Cart:d - Points:10","starts_at":"2024-03-01T11:59:00Z"}
	]}`))

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	n, err := a.ListActive(context.Background(), "7001", now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestProbeScopes(t *testing.T) {
	f, a := newFakeShopify(t)
	f.handle(http.MethodGet, "/shop.json", respond(http.StatusOK, `{"shop":{"name":"Demo","myshopify_domain":"demo.myshopify.com"}}`))
	f.handle(http.MethodPost, "/price_rules.json", respond(http.StatusCreated, `{"price_rule":{"id":9}}`))
	f.handle(http.MethodPost, "/price_rules/9/discount_codes.json", respond(http.StatusCreated, `{"discount_code":{"id":1,"code":"DEBUG"}}`))
	f.handle(http.MethodDelete, "/price_rules/9.json", respond(http.StatusOK, `{}`))

	report := a.ProbeScopes(context.Background())
	require.NotNil(t, report.Shop)
	assert.Equal(t, "Demo", report.Shop.Name)
	assert.True(t, report.PriceRuleCreation)
	assert.True(t, report.DiscountCodeCreation)
	assert.True(t, report.CleanedUp)
	assert.Empty(t, report.Error)
}

func TestProbeScopes_ReportsMissingScope(t *testing.T) {
	f, a := newFakeShopify(t)
	f.handle(http.MethodGet, "/shop.json", respond(http.StatusOK, `{"shop":{"name":"Demo"}}`))
	f.handle(http.MethodPost, "/price_rules.json", respond(http.StatusForbidden, `{"errors":"write_price_rules scope required"}`))

	report := a.ProbeScopes(context.Background())
	assert.False(t, report.PriceRuleCreation)
	assert.Contains(t, report.Error, "status=403")
	assert.Equal(t, 0, f.count(http.MethodDelete, "/price_rules/9.json"))
}
