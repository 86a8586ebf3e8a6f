package api

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/zakaah-ledger/internal/allocation"
	"github.com/example/zakaah-ledger/internal/auth"
	"github.com/example/zakaah-ledger/internal/ledger"
	"github.com/example/zakaah-ledger/internal/metrics"
	"github.com/example/zakaah-ledger/internal/security"
	"github.com/example/zakaah-ledger/internal/valuation"
)

// ObligationService is the obligation and allocation surface served under /v1.
type ObligationService interface {
	SaveConfiguration(ctx context.Context, in valuation.ConfigurationInput) (*valuation.ValidationReport, error)
	ComputeObligation(ctx context.Context, req allocation.ComputeRequest) (*allocation.ComputeResult, error)
	ListOutstandingObligations(ctx context.Context, company string, includeSettled bool) ([]allocation.Obligation, error)
	Obligation(ctx context.Context, id string) (*allocation.Obligation, error)
	Snapshots(ctx context.Context, obligationID string) ([]valuation.AssetGroupSnapshot, error)
	PreviewUnallocatedPayments(ctx context.Context, req allocation.PreviewRequest) (*allocation.Preview, error)
	Allocate(ctx context.Context, req allocation.AllocateRequest) (*allocation.AllocationResult, error)
	ReverseAllocation(ctx context.Context, req allocation.ReverseRequest) (*allocation.ReversalResult, error)
	AllocationHistory(ctx context.Context, filter allocation.RecordFilter) ([]allocation.AllocationRecord, error)
	ReconciliationStatus(ctx context.Context, company string, obligationIDs []string) (allocation.BatchSummary, error)
}

// LedgerAdmin records accounts, fiscal years and vouchers in the general ledger.
type LedgerAdmin interface {
	CreateAccount(ctx context.Context, a ledger.Account) (*ledger.Account, error)
	CreateFiscalYear(ctx context.Context, company string, fy valuation.FiscalYear) error
	PostVoucher(ctx context.Context, v ledger.Voucher) error
	CancelVoucher(ctx context.Context, company, voucherNo string) error
}

type Dependencies struct {
	Logger       *zap.Logger
	JWTValidator *auth.JWTValidator

	Service ObligationService
	Ledger  LedgerAdmin

	Auditor      Auditor
	RateLimiter  *security.RedisTokenBucket
	IPAllowlist  []*net.IPNet
	MaxBodyBytes int64

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Ready    func(ctx context.Context) error
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	validators := map[string]string{
		"save_configuration.json": saveConfigurationSchema,
		"compute_obligation.json": computeObligationSchema,
		"allocate.json":           allocateSchema,
		"create_account.json":     createAccountSchema,
		"create_fiscal_year.json": createFiscalYearSchema,
		"post_voucher.json":       postVoucherSchema,
	}
	v := make(map[string]*security.JSONSchemaValidator, len(validators))
	for name, schema := range validators {
		compiled, err := security.NewJSONSchemaValidator(name, schema)
		if err != nil {
			return nil, err
		}
		v[name] = compiled
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}
	scopes := func(required ...string) func(http.Handler) http.Handler {
		return auth.RequireScopes(onAuthError, required...)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger, deps.Metrics))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, security.KeyByIP))
	}

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", handleReady(deps))
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))
		if deps.Auditor != nil {
			r.Use(AuditMiddleware(deps.Auditor))
		}

		if deps.Service != nil {
			r.With(scopes(auth.ScopeConfigWrite), v["save_configuration.json"].Middleware).
				Put("/configurations/{company}", handleSaveConfiguration(deps))

			r.Route("/obligations", func(r chi.Router) {
				read := r.With(scopes(auth.ScopeObligationsRead))
				read.Get("/", handleListObligations(deps))
				read.Get("/{id}", handleGetObligation(deps))
				read.Get("/{id}/snapshots", handleObligationSnapshots(deps))
				r.With(scopes(auth.ScopeObligationsRead, auth.ScopeAllocationsRead)).
					Get("/{id}/allocations", handleAllocationHistory(deps))

				r.With(scopes(auth.ScopeObligationsWrite), v["compute_obligation.json"].Middleware).
					Post("/compute", handleComputeObligation(deps))
			})

			r.With(scopes(auth.ScopeAllocationsRead)).Get("/payments/unallocated", handlePreviewPayments(deps))

			r.Route("/allocations", func(r chi.Router) {
				r.With(scopes(auth.ScopeAllocationsRead)).Get("/", handleAllocationHistory(deps))
				r.With(scopes(auth.ScopeAllocationsWrite), v["allocate.json"].Middleware).Post("/", handleAllocate(deps))
				r.With(scopes(auth.ScopeAllocationsWrite)).Post("/{id}/reverse", handleReverseAllocation(deps))
			})

			r.With(scopes(auth.ScopeObligationsRead)).Get("/reconciliation", handleReconciliation(deps))
		}

		if deps.Ledger != nil {
			r.Route("/ledger", func(r chi.Router) {
				r.Use(scopes(auth.ScopeLedgerWrite))
				r.With(v["create_account.json"].Middleware).Post("/accounts", handleCreateAccount(deps))
				r.With(v["create_fiscal_year.json"].Middleware).Post("/fiscal-years", handleCreateFiscalYear(deps))
				r.With(v["post_voucher.json"].Middleware).Post("/vouchers", handlePostVoucher(deps))
				r.Post("/vouchers/{no}/cancel", handleCancelVoucher(deps))
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}
