package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/carbonanchor/internal/record"
	"github.com/jmerrifield20/carbonanchor/internal/verification"
	"go.uber.org/zap"
)

// VerifyHandler exposes read-only verification. It needs no operator token.
type VerifyHandler struct {
	svc    *verification.Service
	logger *zap.Logger
}

// NewVerifyHandler creates a new VerifyHandler.
func NewVerifyHandler(svc *verification.Service, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{svc: svc, logger: logger}
}

// Register mounts the verification routes on the given router group.
func (h *VerifyHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/verify/:production_id", h.Verify)
}

// Verify handles POST /verify/:production_id. A mismatch is still a 200;
// an absent record is a 404 with error_kind not_anchored.
func (h *VerifyHandler) Verify(c *gin.Context) {
	id, ok := productionID(c)
	if !ok {
		return
	}
	var summary record.CarbonSummary
	if err := c.ShouldBindJSON(&summary); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	res, err := h.svc.Verify(c.Request.Context(), id, summary)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
