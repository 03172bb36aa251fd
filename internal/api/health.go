package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/carbonanchor/internal/health"
	"github.com/jmerrifield20/carbonanchor/internal/ledger"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status     string        `json:"status"`
	LedgerMode ledger.Mode   `json:"ledger_mode"`
	Halted     bool          `json:"halted"`
	Ledger     health.Status `json:"ledger"`
}

type statusReporter interface {
	Status() health.Status
}

type haltReporter interface {
	Halted() bool
}

// HealthHandler reports ledger connectivity and the funds halt.
type HealthHandler struct {
	checker statusReporter
	halt    haltReporter
	mode    ledger.Mode
}

// NewHealthHandler creates a new HealthHandler. checker and halt may be nil.
func NewHealthHandler(checker statusReporter, halt haltReporter, mode ledger.Mode) *HealthHandler {
	return &HealthHandler{checker: checker, halt: halt, mode: mode}
}

// Healthz handles GET /healthz. An unreachable ledger is 503; a funds halt
// is reported but keeps the endpoint at 200 since reads still work.
func (h *HealthHandler) Healthz(c *gin.Context) {
	resp := HealthResponse{Status: "ok", LedgerMode: h.mode, Ledger: health.Status{Healthy: true}}
	if h.checker != nil {
		resp.Ledger = h.checker.Status()
	}
	if h.halt != nil {
		resp.Halted = h.halt.Halted()
	}

	code := http.StatusOK
	switch {
	case !resp.Ledger.Healthy:
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	case resp.Halted:
		resp.Status = "halted"
	}
	c.JSON(code, resp)
}
