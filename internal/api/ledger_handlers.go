package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/example/zakaah-ledger/internal/apperr"
	"github.com/example/zakaah-ledger/internal/ledger"
	"github.com/example/zakaah-ledger/internal/security"
	"github.com/example/zakaah-ledger/internal/valuation"
)

type createAccountResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Account       *ledger.Account `json:"account"`
}

type createFiscalYearRequest struct {
	Company string `json:"company"`
	Name    string `json:"name"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

type postVoucherRequest struct {
	VoucherNo   string `json:"voucher_no"`
	Company     string `json:"company"`
	PostingDate string `json:"posting_date"`
	Remarks     string `json:"remarks"`
	Lines       []struct {
		Account string           `json:"account"`
		Debit   *decimal.Decimal `json:"debit"`
		Credit  *decimal.Decimal `json:"credit"`
	} `json:"lines"`
}

type voucherResponse struct {
	CorrelationID string `json:"correlation_id"`
	VoucherNo     string `json:"voucher_no"`
	Company       string `json:"company"`
	Cancelled     bool   `json:"cancelled"`
}

func handleCreateAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ledger.Account
		if !decode(w, r, &req) {
			return
		}

		account, err := deps.Ledger.CreateAccount(r.Context(), req)
		if err != nil {
			security.WriteError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusCreated, createAccountResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Account:       account,
		})
	}
}

func handleCreateFiscalYear(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "create_fiscal_year"

		var req createFiscalYearRequest
		if !decode(w, r, &req) {
			return
		}
		start, err := parseDate(req.Start)
		if err != nil {
			security.WriteError(w, r, apperr.Validation(op, "start", "start must be a YYYY-MM-DD date"))
			return
		}
		end, err := parseDate(req.End)
		if err != nil {
			security.WriteError(w, r, apperr.Validation(op, "end", "end must be a YYYY-MM-DD date"))
			return
		}

		fy := valuation.FiscalYear{Name: req.Name, Start: start, End: end}
		if err := deps.Ledger.CreateFiscalYear(r.Context(), req.Company, fy); err != nil {
			security.WriteError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, fy)
	}
}

func handlePostVoucher(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req postVoucherRequest
		if !decode(w, r, &req) {
			return
		}
		date, err := parseDate(req.PostingDate)
		if err != nil {
			security.WriteError(w, r, apperr.Validation("post_voucher", "posting_date", "posting date must be a YYYY-MM-DD date"))
			return
		}

		v := ledger.Voucher{
			No:          req.VoucherNo,
			Company:     req.Company,
			PostingDate: date,
			Remarks:     req.Remarks,
			Lines:       make([]ledger.Line, 0, len(req.Lines)),
		}
		for _, l := range req.Lines {
			line := ledger.Line{Account: l.Account, Debit: decimal.Zero, Credit: decimal.Zero}
			if l.Debit != nil {
				line.Debit = *l.Debit
			}
			if l.Credit != nil {
				line.Credit = *l.Credit
			}
			v.Lines = append(v.Lines, line)
		}

		if err := deps.Ledger.PostVoucher(r.Context(), v); err != nil {
			security.WriteError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusCreated, voucherResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			VoucherNo:     v.No,
			Company:       v.Company,
		})
	}
}

func handleCancelVoucher(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		company := strings.TrimSpace(r.URL.Query().Get("company"))
		if company == "" {
			security.WriteError(w, r, apperr.Validation("cancel_voucher", "company", "company is required"))
			return
		}

		no := chi.URLParam(r, "no")
		if err := deps.Ledger.CancelVoucher(r.Context(), company, no); err != nil {
			security.WriteError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, voucherResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			VoucherNo:     no,
			Company:       company,
			Cancelled:     true,
		})
	}
}
