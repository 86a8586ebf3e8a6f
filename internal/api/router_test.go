package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/zakaah-ledger/internal/allocation"
	"github.com/example/zakaah-ledger/internal/auth"
	"github.com/example/zakaah-ledger/internal/ledger"
	"github.com/example/zakaah-ledger/internal/metrics"
	"github.com/example/zakaah-ledger/internal/security"
	"github.com/example/zakaah-ledger/internal/sqldb"
	"github.com/example/zakaah-ledger/internal/store"
	"github.com/example/zakaah-ledger/internal/valuation"
	"github.com/example/zakaah-ledger/pkg/audit"
)

const issuer = "zakaah-idp"

var allScopes = []string{
	auth.ScopeConfigWrite,
	auth.ScopeObligationsRead,
	auth.ScopeObligationsWrite,
	auth.ScopeAllocationsRead,
	auth.ScopeAllocationsWrite,
	auth.ScopeLedgerWrite,
}

type testEnv struct {
	handler http.Handler
	keys    *auth.KeySet
	sink    *bytes.Buffer
	deps    Dependencies
}

func newTestEnv(t *testing.T, tweak ...func(*Dependencies)) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := sqldb.Open(ctx, sqldb.SQLite, ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gl := ledger.New(db)
	require.NoError(t, gl.Migrate(ctx))
	st := store.New(db)
	require.NoError(t, st.Migrate(ctx))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sink := &bytes.Buffer{}
	chain := audit.NewChainLogger(sink)

	engine := valuation.NewEngine(gl, gl, valuation.WithMetrics(m))
	svc := allocation.NewService(st, st, engine, gl,
		allocation.WithAuditor(chain),
		allocation.WithServiceMetrics(m),
	)

	keys, err := auth.NewKeySet()
	require.NoError(t, err)

	deps := Dependencies{
		JWTValidator: &auth.JWTValidator{KeySet: keys, Issuer: issuer},
		Service:      svc,
		Ledger:       gl,
		Auditor:      chain,
		MaxBodyBytes: 1 << 20,
		Metrics:      m,
		Gatherer:     reg,
	}
	for _, fn := range tweak {
		fn(&deps)
	}

	h, err := NewRouter(deps)
	require.NoError(t, err)
	return &testEnv{handler: h, keys: keys, sink: sink, deps: deps}
}

func (e *testEnv) token(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	now := time.Now()
	tok, err := e.keys.Sign(auth.AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
		Scopes: scopes,
	})
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func voucher(no, date, debit, credit, amount string) map[string]any {
	return map[string]any{
		"voucher_no":   no,
		"company":      "Acme",
		"posting_date": date,
		"lines": []map[string]any{
			{"account": debit, "debit": amount},
			{"account": credit, "credit": amount},
		},
	}
}

// seed books a zakaah provision of 300 for 2023 and a cumulative 500 for 2024, and a
// 700 payment in January 2025.
func seed(t *testing.T, e *testEnv, token string) {
	t.Helper()
	for name, typ := range map[string]string{
		"Zakaah Provision": "expense",
		"Capital":          "equity",
		"Zakaah Payable":   "liability",
		"Bank":             "asset",
	} {
		rec := e.do(t, http.MethodPost, "/v1/ledger/accounts", token, map[string]any{"name": name, "company": "Acme", "account_type": typ})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	for _, y := range []string{"2023", "2024"} {
		rec := e.do(t, http.MethodPost, "/v1/ledger/fiscal-years", token, map[string]any{"name": y, "start": y + "-01-01", "end": y + "-12-31"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	for _, v := range []map[string]any{
		voucher("PROV-23", "2023-12-31", "Zakaah Provision", "Capital", "300"),
		voucher("PROV-24", "2024-12-31", "Zakaah Provision", "Capital", "200"),
		voucher("PAY-1", "2025-01-15", "Zakaah Payable", "Bank", "700"),
	} {
		rec := e.do(t, http.MethodPost, "/v1/ledger/vouchers", token, v)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := e.do(t, http.MethodPut, "/v1/configurations/Acme", token, map[string]any{
		"groups": map[string]any{
			"cash":    []map[string]string{{"account": "Zakaah Provision"}},
			"payment": []map[string]string{{"account": "Zakaah Payable"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(security.CorrelationIDHeader))

	rec = e.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `zakaah_http_request_duration_seconds_count{method="GET",route="/healthz",status="200"} 1`)
}

func TestReadinessFailure(t *testing.T) {
	e := newTestEnv(t, func(d *Dependencies) {
		d.Ready = func(ctx context.Context) error { return errors.New("database unreachable") }
	})
	rec := e.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthFailures(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/v1/obligations?company=Acme", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeBody[security.ErrorResponse](t, rec).Error)

	reader := e.token(t, "auditor", auth.ScopeObligationsRead)
	rec = e.do(t, http.MethodPost, "/v1/allocations", reader, map[string]any{
		"company": "Acme", "source_ids": []string{"PAY-1"}, "obligation_ids": []string{"x"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodGet, "/v1/obligations?company=Acme", reader, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	other, err := auth.NewKeySet()
	require.NoError(t, err)
	forged, err := other.Sign(jwt.RegisteredClaims{Subject: "mallory", Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))})
	require.NoError(t, err)
	rec = e.do(t, http.MethodGet, "/v1/obligations?company=Acme", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAllocationWorkflow(t *testing.T) {
	e := newTestEnv(t)
	token := e.token(t, "alice", allScopes...)
	seed(t, e, token)

	ids := map[string]string{}
	for _, y := range []string{"2023", "2024"} {
		rec := e.do(t, http.MethodPost, "/v1/obligations/compute", token, map[string]any{"company": "Acme", "fiscal_year": y})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		res := decodeBody[allocation.ComputeResult](t, rec)
		ids[y] = res.Obligation.ID
	}

	rec := e.do(t, http.MethodGet, "/v1/obligations?company=Acme", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[obligationsResponse](t, rec)
	require.Len(t, list.Obligations, 2)
	assert.True(t, list.Obligations[0].AmountDue.Equal(decimal.RequireFromString("300")))
	assert.True(t, list.Obligations[1].AmountDue.Equal(decimal.RequireFromString("500")))

	rec = e.do(t, http.MethodGet, "/v1/obligations/"+ids["2024"]+"/snapshots", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snaps := decodeBody[snapshotsResponse](t, rec)
	require.Len(t, snaps.Snapshots, 2)
	assert.Equal(t, "Zakaah Provision", snaps.Snapshots[0].Account)

	rec = e.do(t, http.MethodGet, "/v1/payments/unallocated?company=Acme&from=2025-01-01&to=2025-12-31", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	preview := decodeBody[allocation.Preview](t, rec)
	require.Len(t, preview.Entries, 1)
	assert.Equal(t, "PAY-1", preview.Entries[0].SourceID)

	rec = e.do(t, http.MethodPost, "/v1/allocations", token, map[string]any{
		"company": "Acme", "source_ids": []string{"PAY-1"}, "obligation_ids": []string{ids["2024"], ids["2023"]},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	result := decodeBody[allocation.AllocationResult](t, rec)
	require.Len(t, result.Records, 2)
	assert.Equal(t, ids["2023"], result.Records[0].ObligationID)
	assert.Equal(t, "alice", result.Records[0].Actor)
	assert.True(t, result.TotalAllocated.Equal(decimal.RequireFromString("700")))

	// re-running the same request allocates nothing
	rec = e.do(t, http.MethodPost, "/v1/allocations", token, map[string]any{
		"company": "Acme", "source_ids": []string{"PAY-1"}, "obligation_ids": []string{ids["2024"], ids["2023"]},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[allocation.AllocationResult](t, rec).Records)

	rec = e.do(t, http.MethodGet, "/v1/reconciliation?company=Acme", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decodeBody[allocation.BatchSummary](t, rec)
	assert.Equal(t, allocation.ReconciliationPartial, summary.Status)
	assert.True(t, summary.TotalOutstanding.Equal(decimal.RequireFromString("100")))

	rec = e.do(t, http.MethodPost, "/v1/allocations/"+result.Records[1].ID+"/reverse", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reversal := decodeBody[allocation.ReversalResult](t, rec)
	assert.Equal(t, allocation.StatusCalculated, reversal.Obligation.Status)
	assert.Equal(t, "alice", reversal.Record.CancelledBy)

	rec = e.do(t, http.MethodGet, "/v1/obligations/"+ids["2024"], token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	o := decodeBody[allocation.Obligation](t, rec)
	assert.True(t, o.AmountOutstanding.Equal(decimal.RequireFromString("500")))

	rec = e.do(t, http.MethodGet, "/v1/obligations/"+ids["2024"]+"/allocations?include_cancelled=true", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[recordsResponse](t, rec)
	require.Len(t, history.Records, 1)
	assert.True(t, history.Records[0].Cancelled)

	rec = e.do(t, http.MethodGet, "/v1/allocations?source_id=PAY-1&company=Acme", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[recordsResponse](t, rec).Records, 1)

	entries, err := audit.ReadEntries(e.sink)
	require.NoError(t, err)
	assert.True(t, audit.VerifyChain(entries))
	var kinds []string
	for _, entry := range entries {
		kinds = append(kinds, strings.Fields(entry.Payload)[0])
	}
	assert.Contains(t, kinds, "event=allocation_committed")
	assert.Contains(t, kinds, "event=allocation_reversed")
	assert.Contains(t, kinds, "event=http_request")
}

func TestErrorResponses(t *testing.T) {
	e := newTestEnv(t)
	token := e.token(t, "alice", allScopes...)
	seed(t, e, token)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"malformed json", http.MethodPost, "/v1/allocations", `{"company":`, http.StatusBadRequest, "invalid_json"},
		{"schema", http.MethodPost, "/v1/allocations", map[string]any{"company": "Acme", "source_ids": []string{}}, http.StatusBadRequest, "schema_validation_failed"},
		{"unknown fiscal year", http.MethodPost, "/v1/obligations/compute", map[string]any{"company": "Acme", "fiscal_year": "1999"}, http.StatusUnprocessableEntity, "validation_failed"},
		{"unknown obligation", http.MethodGet, "/v1/obligations/nope", nil, http.StatusNotFound, "not_found"},
		{"unknown record", http.MethodPost, "/v1/allocations/nope/reverse", nil, http.StatusNotFound, "not_found"},
		{"unknown source", http.MethodPost, "/v1/allocations", map[string]any{"company": "Acme", "source_ids": []string{"PAY-404"}, "obligation_ids": []string{"x"}}, http.StatusNotFound, "not_found"},
		{"bad date", http.MethodGet, "/v1/payments/unallocated?company=Acme&from=yesterday&to=2025-01-01", nil, http.StatusUnprocessableEntity, "validation_failed"},
		{"history without filter", http.MethodGet, "/v1/allocations", nil, http.StatusUnprocessableEntity, "validation_failed"},
		{"history by source without company", http.MethodGet, "/v1/allocations?source_id=PAY-1", nil, http.StatusUnprocessableEntity, "validation_failed"},
		{"unbalanced voucher", http.MethodPost, "/v1/ledger/vouchers", map[string]any{
			"voucher_no": "BAD-1", "company": "Acme", "posting_date": "2025-01-01",
			"lines": []map[string]any{{"account": "Bank", "debit": "10"}, {"account": "Capital", "credit": "9"}},
		}, http.StatusUnprocessableEntity, "validation_failed"},
		{"cancel without company", http.MethodPost, "/v1/ledger/vouchers/PAY-1/cancel", nil, http.StatusUnprocessableEntity, "validation_failed"},
		{"unknown route", http.MethodGet, "/v1/nothing", nil, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, tt.method, tt.path, token, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decodeBody[security.ErrorResponse](t, rec)
			assert.Equal(t, tt.code, resp.Error)
			assert.NotEmpty(t, resp.CorrelationID)
		})
	}
}

func TestSaveConfigurationReport(t *testing.T) {
	e := newTestEnv(t)
	token := e.token(t, "alice", allScopes...)

	rec := e.do(t, http.MethodPut, "/v1/configurations/Acme", token, map[string]any{
		"groups": map[string]any{"bullion": []map[string]string{{"account": "Gold"}}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[configurationResponse](t, rec)
	assert.Equal(t, "validation_failed", resp.Error)
	require.NotNil(t, resp.Report)
	assert.False(t, resp.Report.IsValid)
	assert.NotEmpty(t, resp.Report.Errors())

	rec = e.do(t, http.MethodPut, "/v1/configurations/Acme", token, map[string]any{
		"groups": map[string]any{"cash": []map[string]string{{"account": "Bank", "margin_spec": "25%"}}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = decodeBody[configurationResponse](t, rec)
	assert.True(t, resp.Report.IsValid)
	assert.NotEmpty(t, resp.Report.Warnings(), "no payment accounts configured")
}

func TestRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	e := newTestEnv(t, func(d *Dependencies) {
		d.RateLimiter = &security.RedisTokenBucket{Redis: client, Prefix: "zakaah_api", Capacity: 2, RefillRate: 0.001}
	})

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", "", nil).Code)
	rec := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeBody[security.ErrorResponse](t, rec).Error)
}
