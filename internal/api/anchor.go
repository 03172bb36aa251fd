package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/carbonanchor/internal/anchoring"
	"github.com/jmerrifield20/carbonanchor/internal/record"
	"go.uber.org/zap"
)

// MaxBatchRequest caps the number of summaries accepted by one batch call.
const MaxBatchRequest = 500

// BatchRequest is the body of POST /anchors/batch.
type BatchRequest struct {
	Summaries []record.CarbonSummary `json:"summaries" binding:"required,min=1"`
}

// BatchResponse is returned by POST /anchors/batch in input order.
type BatchResponse struct {
	Results []*anchoring.Result `json:"results"`
}

// CancelResponse is returned by DELETE /anchors/:production_id.
type CancelResponse struct {
	ProductionID int64                   `json:"production_id"`
	Outcome      anchoring.CancelOutcome `json:"outcome"`
}

// AnchorHandler exposes the anchoring service over HTTP.
type AnchorHandler struct {
	svc    *anchoring.Service
	tokens *OperatorTokens // nil = open mode
	logger *zap.Logger
}

// NewAnchorHandler creates a new AnchorHandler.
func NewAnchorHandler(svc *anchoring.Service, tokens *OperatorTokens, logger *zap.Logger) *AnchorHandler {
	return &AnchorHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register mounts the anchoring routes on the given router group.
func (h *AnchorHandler) Register(rg *gin.RouterGroup) {
	auth := RequireOperator(h.tokens)
	a := rg.Group("/anchors")
	{
		a.POST("", auth, h.Anchor)
		a.POST("/batch", auth, h.AnchorBatch)
		a.POST("/resume", auth, h.Resume)
		a.GET("/:production_id", h.Status)
		a.DELETE("/:production_id", auth, h.Cancel)
	}
}

// Anchor handles POST /anchors. Confirmed results are 200, queued and
// unresolved ones 202, failed ones 502 and cancelled ones 409; the body is
// the Result in every case.
func (h *AnchorHandler) Anchor(c *gin.Context) {
	var summary record.CarbonSummary
	if err := c.ShouldBindJSON(&summary); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	res, err := h.svc.Anchor(c.Request.Context(), summary)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(statusFor(res.State), res)
}

// AnchorBatch handles POST /anchors/batch.
func (h *AnchorHandler) AnchorBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if len(req.Summaries) > MaxBatchRequest {
		c.JSON(http.StatusRequestEntityTooLarge, errorBody{
			Error: "at most " + strconv.Itoa(MaxBatchRequest) + " summaries per batch",
		})
		return
	}

	results, err := h.svc.AnchorBatch(c.Request.Context(), req.Summaries)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, BatchResponse{Results: results})
}

// Status handles GET /anchors/:production_id.
func (h *AnchorHandler) Status(c *gin.Context) {
	id, ok := productionID(c)
	if !ok {
		return
	}
	res, err := h.svc.Status(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Cancel handles DELETE /anchors/:production_id.
func (h *AnchorHandler) Cancel(c *gin.Context) {
	id, ok := productionID(c)
	if !ok {
		return
	}
	outcome, err := h.svc.Cancel(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if op := OperatorFromCtx(c); op != nil {
		h.logger.Info("anchor cancelled by operator",
			zap.Int64("production_id", id),
			zap.String("operator", op.Operator),
			zap.String("outcome", string(outcome)),
		)
	}
	c.JSON(http.StatusOK, CancelResponse{ProductionID: id, Outcome: outcome})
}

// Resume handles POST /anchors/resume. It lifts a funds halt.
func (h *AnchorHandler) Resume(c *gin.Context) {
	rep, err := h.svc.Resume(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func statusFor(state anchoring.State) int {
	switch state {
	case anchoring.StateConfirmed:
		return http.StatusOK
	case anchoring.StateQueued, anchoring.StateUnknown:
		return http.StatusAccepted
	case anchoring.StateCancelled:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// productionID parses the :production_id path parameter, writing a 400 on
// failure.
func productionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("production_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorBody{Error: "production_id must be a positive integer"})
		return 0, false
	}
	return id, true
}
