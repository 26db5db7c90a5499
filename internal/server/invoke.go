package server

import (
	"encoding/json"
	"net/http"

	"github.com/cryguy/offload"
	"github.com/cryguy/offload/internal/job"
)

const maxBodySize = 1 << 20 // 1 MB

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req job.Request
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := job.Run(r.Context(), s.engine, req)
	s.writeJSON(w, statusCode(resp), resp)
}

// statusCode maps a job outcome to an HTTP status.
func statusCode(resp job.Response) int {
	switch {
	case resp.Status == offload.StatusSuccess:
		return http.StatusOK
	case resp.Kind == offload.KindGeneration.String():
		return http.StatusBadRequest
	case resp.Status == offload.StatusTimeoutExpired:
		return http.StatusGatewayTimeout
	default:
		return http.StatusUnprocessableEntity
	}
}
