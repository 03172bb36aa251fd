package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/carbonanchor/internal/auditlog"
	"go.uber.org/zap"
)

const (
	defaultAuditPage = 50
	maxAuditPage     = 500
)

// AuditHandler exposes read-only HTTP endpoints for the audit log.
type AuditHandler struct {
	log    auditlog.Log
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(log auditlog.Log, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{log: log, logger: logger}
}

// Register mounts the audit routes on the given router group.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/audit")
	{
		a.GET("", h.Overview)
		a.GET("/verify", h.Verify)
		a.GET("/entries/:idx", h.GetEntry)
		a.GET("/productions/:production_id", h.ListByProduction)
	}
}

// Overview handles GET /audit and returns the chain length, root hash and a
// page of entries selected by ?offset and ?limit.
func (h *AuditHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, errorBody{Error: "offset must be a non-negative integer"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultAuditPage)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
		return
	}
	limit = min(limit, maxAuditPage)

	count, err := h.log.Len(ctx)
	if err != nil {
		h.logger.Error("audit Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to query audit log"})
		return
	}
	root, err := h.log.Root(ctx)
	if err != nil {
		h.logger.Error("audit Root", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to query audit root"})
		return
	}
	entries, err := h.log.List(ctx, offset, limit)
	if err != nil {
		h.logger.Error("audit List", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to list audit entries"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": count,
		"root":    root,
		"offset":  offset,
		"items":   entries,
	})
}

// Verify handles GET /audit/verify by walking the full chain.
func (h *AuditHandler) Verify(c *gin.Context) {
	if err := h.log.Verify(c.Request.Context()); err != nil {
		h.logger.Warn("audit integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetEntry handles GET /audit/entries/:idx.
func (h *AuditHandler) GetEntry(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, errorBody{Error: "idx must be a non-negative integer"})
		return
	}

	entry, err := h.log.Get(c.Request.Context(), idx)
	if errors.Is(err, auditlog.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorBody{Error: "entry not found"})
		return
	}
	if err != nil {
		h.logger.Error("audit Get", zap.Int("idx", idx), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to query audit log"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ListByProduction handles GET /audit/productions/:production_id.
func (h *AuditHandler) ListByProduction(c *gin.Context) {
	id, ok := productionID(c)
	if !ok {
		return
	}
	entries, err := h.log.ListByProduction(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("audit ListByProduction", zap.Int64("production_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to query audit log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"production_id": id,
		"items":         entries,
	})
}
