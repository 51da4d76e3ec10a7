package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/store"
)

// Пагинация.
const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GetRun возвращает run, его шаги в порядке плана и активный таймер.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.store.GetRun(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "run not found") {
		return
	}

	records, err := h.store.ListSteps(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "") {
		return
	}

	resp := RunDetailResponse{
		Run:   RunFromDomain(run),
		Steps: make([]StepResponse, len(records)),
	}
	for i := range records {
		resp.Steps[i] = StepFromDomain(&records[i])
	}

	timer, err := h.store.GetTimer(r.Context(), id)
	switch {
	case err == nil:
		resp.Timer = &TimerResponse{StepID: timer.StepID, Reason: timer.Reason, WakeAt: timer.WakeAt}
	case !errors.Is(err, store.ErrNotFound):
		InternalError(w, h.logger, err)
		return
	}

	Success(w, resp)
}

// CancelRun принудительно завершает run (FAILED, error_kind=cancelled).
// POST /api/v1/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.canceller.Cancel(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "run not found") {
		return
	}

	h.logger.Info("run cancelled", "run_id", run.ID, "function_id", run.FunctionID)
	Success(w, RunFromDomain(run))
}

// ListFunctionRuns возвращает страницу runs функции, новые первыми.
// GET /api/v1/functions/{id}/runs?page=1&page_size=20&status=FAILED
func (h *Handler) ListFunctionRuns(w http.ResponseWriter, r *http.Request) {
	fnID := r.PathValue("id")
	if _, ok := h.functions.Function(fnID); !ok {
		NotFound(w, "function not found")
		return
	}

	q := r.URL.Query()

	page, err := parsePositive(q.Get("page"), 1)
	if err != nil {
		BadRequest(w, "invalid page")
		return
	}
	pageSize, err := parsePositive(q.Get("page_size"), defaultPageSize)
	if err != nil {
		BadRequest(w, "invalid page_size")
		return
	}
	pageSize = min(pageSize, maxPageSize)

	filter := store.RunFilter{
		FunctionID: fnID,
		Status:     domain.RunStatus(q.Get("status")),
		Limit:      pageSize,
		Offset:     (page - 1) * pageSize,
	}

	runs, total, err := h.store.ListRuns(r.Context(), filter)
	if HandleStoreError(w, h.logger, err, "") {
		return
	}

	resp := RunPageResponse{
		Runs:     make([]RunResponse, len(runs)),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}
	for i := range runs {
		resp.Runs[i] = RunFromDomain(&runs[i])
	}

	Success(w, resp)
}

// parsePositive разбирает положительное целое; пустая строка — def.
func parsePositive(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
