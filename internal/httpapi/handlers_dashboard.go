package httpapi

import (
	"net/http"
	"time"

	"contas/internal/core"
	applog "contas/internal/log"
	"contas/internal/storage"
)

type dashboardResponse struct {
	Month         string                `json:"month"`
	Income        string                `json:"income"`
	Expense       string                `json:"expense"`
	Balance       string                `json:"balance"`
	TopCategories []dashboardCategory   `json:"topCategories"`
	Recent        []transactionResponse `json:"recent"`
}

type dashboardCategory struct {
	CategoryID string  `json:"categoryId"`
	Name       string  `json:"name"`
	Total      string  `json:"total"`
	Percent    float64 `json:"percent"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	month := r.URL.Query().Get("month")
	if month == "" {
		month = core.Today().Format("2006-01")
	}
	if _, err := time.Parse("2006-01", month); err != nil {
		writeProblem(w, http.StatusUnprocessableEntity, "validation-failed", "Validation Failed",
			"month must be formatted as YYYY-MM")
		return
	}

	key := sess.FamilyID + ":" + month
	d, ok := s.dashCache.Get(key)
	if !ok {
		var err error
		d, err = s.store.MonthDashboard(r.Context(), sess.FamilyID, month)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		s.dashCache.Set(key, d)
	} else {
		s.logger.DebugContext(r.Context(), "Dashboard served from cache",
			applog.FieldFamilyID, sess.FamilyID, applog.FieldMonth, month)
	}

	writeJSON(w, http.StatusOK, toDashboardResponse(d))
}

func toDashboardResponse(d storage.Dashboard) dashboardResponse {
	resp := dashboardResponse{
		Month:         d.Month,
		Income:        core.FormatAmount(d.IncomeCents),
		Expense:       core.FormatAmount(d.ExpenseCents),
		Balance:       core.FormatAmount(d.BalanceCents),
		TopCategories: make([]dashboardCategory, 0, len(d.TopCategories)),
		Recent:        make([]transactionResponse, 0, len(d.Recent)),
	}
	for _, ct := range d.TopCategories {
		percent := 0.0
		if d.ExpenseCents > 0 {
			percent = float64(ct.TotalCents) / float64(d.ExpenseCents) * 100
		}
		resp.TopCategories = append(resp.TopCategories, dashboardCategory{
			CategoryID: ct.CategoryID,
			Name:       ct.CategoryName,
			Total:      core.FormatAmount(ct.TotalCents),
			Percent:    percent,
		})
	}
	for _, tx := range d.Recent {
		resp.Recent = append(resp.Recent, toTransactionResponse(tx))
	}
	return resp
}
