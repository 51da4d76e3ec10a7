package api

import "net/http"

// ListFunctions возвращает зарегистрированные функции.
// GET /api/v1/functions
func (h *Handler) ListFunctions(w http.ResponseWriter, _ *http.Request) {
	all := h.functions.All()

	resp := FunctionListResponse{Functions: make([]FunctionResponse, len(all))}
	for i, fn := range all {
		resp.Functions[i] = FunctionFromDomain(fn)
	}

	Success(w, resp)
}
