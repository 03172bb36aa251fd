package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/carbonanchor/internal/gas"
	"go.uber.org/zap"
)

// GasAdvisor produces gas recommendations. *gas.Optimizer satisfies it.
type GasAdvisor interface {
	Recommend(ctx context.Context, pending int) gas.Recommendation
}

// GasHandler exposes the current gas recommendation.
type GasHandler struct {
	advisor GasAdvisor
	logger  *zap.Logger
}

// NewGasHandler creates a new GasHandler.
func NewGasHandler(advisor GasAdvisor, logger *zap.Logger) *GasHandler {
	return &GasHandler{advisor: advisor, logger: logger}
}

// Register mounts the gas route on the given router group.
func (h *GasHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/gas", h.Recommend)
}

// Recommend handles GET /gas?pending=N. pending defaults to 1.
func (h *GasHandler) Recommend(c *gin.Context) {
	pending, err := strconv.Atoi(c.DefaultQuery("pending", "1"))
	if err != nil || pending < 0 {
		c.JSON(http.StatusBadRequest, errorBody{Error: "pending must be a non-negative integer"})
		return
	}
	c.JSON(http.StatusOK, h.advisor.Recommend(c.Request.Context(), pending))
}
