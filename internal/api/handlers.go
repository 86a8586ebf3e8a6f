package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/zakaah-ledger/internal/allocation"
	"github.com/example/zakaah-ledger/internal/apperr"
	"github.com/example/zakaah-ledger/internal/auth"
	"github.com/example/zakaah-ledger/internal/security"
	"github.com/example/zakaah-ledger/internal/valuation"
)

type saveConfigurationRequest struct {
	Groups map[valuation.GroupKind][]valuation.RuleInput `json:"groups"`
}

type configurationResponse struct {
	CorrelationID string                      `json:"correlation_id"`
	Error         string                      `json:"error,omitempty"`
	Company       string                      `json:"company"`
	Report        *valuation.ValidationReport `json:"report"`
}

type computeObligationRequest struct {
	Company    string `json:"company"`
	FiscalYear string `json:"fiscal_year"`
}

type obligationsResponse struct {
	CorrelationID string                  `json:"correlation_id"`
	Obligations   []allocation.Obligation `json:"obligations"`
}

type snapshotsResponse struct {
	CorrelationID string                         `json:"correlation_id"`
	ObligationID  string                         `json:"obligation_id"`
	Snapshots     []valuation.AssetGroupSnapshot `json:"snapshots"`
}

type allocateRequest struct {
	Company       string   `json:"company"`
	SourceIDs     []string `json:"source_ids"`
	ObligationIDs []string `json:"obligation_ids"`
	Accounts      []string `json:"accounts"`
}

type recordsResponse struct {
	CorrelationID string                        `json:"correlation_id"`
	Records       []allocation.AllocationRecord `json:"records"`
}

func handleSaveConfiguration(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req saveConfigurationRequest
		if !decode(w, r, &req) {
			return
		}

		company := chi.URLParam(r, "company")
		report, err := deps.Service.SaveConfiguration(r.Context(), valuation.ConfigurationInput{
			Company: company,
			Groups:  req.Groups,
		})
		resp := configurationResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Company:       company,
			Report:        report,
		}
		if err != nil {
			if report == nil || !apperr.IsKind(err, apperr.KindValidation) {
				security.WriteError(w, r, err)
				return
			}
			resp.Error = "validation_failed"
			writeJSON(w, r, http.StatusUnprocessableEntity, resp)
			return
		}

		writeJSON(w, r, http.StatusOK, resp)
	}
}

func handleComputeObligation(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req computeObligationRequest
		if !decode(w, r, &req) {
			return
		}

		result, err := deps.Service.ComputeObligation(r.Context(), allocation.ComputeRequest{
			Company:    req.Company,
			FiscalYear: req.FiscalYear,
			Actor:      auth.ActorFromContext(r.Context()),
		})
		if err != nil {
			security.WriteError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, result)
	}
}

func handleListObligations(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		obligations, err := deps.Service.ListOutstandingObligations(r.Context(),
			r.URL.Query().Get("company"), queryBool(r, "include_settled"))
		if err != nil {
			security.WriteError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, obligationsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Obligations:   obligations,
		})
	}
}

func handleGetObligation(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := deps.Service.Obligation(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, o)
	}
}

func handleObligationSnapshots(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Service.Obligation(r.Context(), id); err != nil {
			security.WriteError(w, r, err)
			return
		}

		snaps, err := deps.Service.Snapshots(r.Context(), id)
		if err != nil {
			security.WriteError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, snapshotsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			ObligationID:  id,
			Snapshots:     snaps,
		})
	}
}

func handlePreviewPayments(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		from, err := parseDate(q.Get("from"))
		if err != nil {
			security.WriteError(w, r, apperr.Validation("preview_unallocated_payments", "from", "from must be a YYYY-MM-DD date"))
			return
		}
		to, err := parseDate(q.Get("to"))
		if err != nil {
			security.WriteError(w, r, apperr.Validation("preview_unallocated_payments", "to", "to must be a YYYY-MM-DD date"))
			return
		}

		preview, err := deps.Service.PreviewUnallocatedPayments(r.Context(), allocation.PreviewRequest{
			Company:  q.Get("company"),
			From:     from,
			To:       to,
			Accounts: queryList(r, "account"),
		})
		if err != nil {
			security.WriteError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, preview)
	}
}

func handleAllocate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req allocateRequest
		if !decode(w, r, &req) {
			return
		}

		result, err := deps.Service.Allocate(r.Context(), allocation.AllocateRequest{
			Company:       req.Company,
			SourceIDs:     req.SourceIDs,
			ObligationIDs: req.ObligationIDs,
			Accounts:      req.Accounts,
			Actor:         auth.ActorFromContext(r.Context()),
		})
		if err != nil {
			security.WriteError(w, r, err)
			return
		}

		status := http.StatusCreated
		if len(result.Records) == 0 {
			status = http.StatusOK
		}
		writeJSON(w, r, status, result)
	}
}

func handleReverseAllocation(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := deps.Service.ReverseAllocation(r.Context(), allocation.ReverseRequest{
			RecordID: chi.URLParam(r, "id"),
			Actor:    auth.ActorFromContext(r.Context()),
		})
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, result)
	}
}

func handleAllocationHistory(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := allocation.RecordFilter{
			Company:          q.Get("company"),
			ObligationID:     q.Get("obligation_id"),
			SourceID:         q.Get("source_id"),
			IncludeCancelled: queryBool(r, "include_cancelled"),
		}
		if id := chi.URLParam(r, "id"); id != "" {
			filter.ObligationID = id
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				security.WriteError(w, r, apperr.Validation("allocation_history", "limit", "limit must be a non-negative integer"))
				return
			}
			filter.Limit = n
		}

		records, err := deps.Service.AllocationHistory(r.Context(), filter)
		if err != nil {
			security.WriteError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, recordsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Records:       records,
		})
	}
}

func handleReconciliation(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := deps.Service.ReconciliationStatus(r.Context(),
			r.URL.Query().Get("company"), queryList(r, "obligation_id"))
		if err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, summary)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func handleReady(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ready == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		if err := deps.Ready(r.Context()); err != nil {
			deps.Logger.Warn("readiness check failed", zap.Error(err))
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "not_ready")
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
