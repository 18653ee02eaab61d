package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pcarleton/cartograph/internal/domain"
	"github.com/pcarleton/cartograph/internal/service"
	"go.uber.org/zap"
)

// CompileHandler triggers compilation runs and serves run diagnostics.
type CompileHandler struct {
	compiler *service.Compiler
	logger   *zap.Logger
}

func NewCompileHandler(compiler *service.Compiler, logger *zap.Logger) *CompileHandler {
	return &CompileHandler{compiler: compiler, logger: logger}
}

type compileRequest struct {
	// Paths to (re)compile. Empty means the whole corpus.
	Paths []string `json:"paths,omitempty"`
}

// Compile handles POST /v1/compile. Runs are synchronous: the response is
// the run report. A store corruption aborts with 500; builder defects and
// attempt-bound exhaustion are per-path diagnostics, not request failures.
func (h *CompileHandler) Compile(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	var (
		report *service.RunReport
		err    error
	)
	if len(req.Paths) == 0 {
		report, err = h.compiler.RunAll(r.Context())
	} else {
		report, err = h.compiler.Run(r.Context(), req.Paths)
	}
	if err != nil {
		var corrupt *domain.CorruptionError
		if errors.As(err, &corrupt) {
			h.logger.Error("compile aborted on store corruption", zap.Error(corrupt))
			writeError(w, http.StatusInternalServerError, corrupt.Error())
			return
		}
		h.logger.Error("compile failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "compile failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// LatestRun handles GET /v1/runs/latest.
func (h *CompileHandler) LatestRun(w http.ResponseWriter, r *http.Request) {
	report := h.compiler.LastReport()
	if report == nil {
		writeError(w, http.StatusNotFound, "no runs yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
