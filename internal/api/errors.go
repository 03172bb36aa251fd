package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/carbonanchor/internal/anchoring"
	"github.com/jmerrifield20/carbonanchor/internal/ledger"
	"github.com/jmerrifield20/carbonanchor/internal/record"
	"github.com/jmerrifield20/carbonanchor/internal/verification"
	"go.uber.org/zap"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind,omitempty"`
	Field     string `json:"field,omitempty"`
}

// writeError maps err onto a status code and error kind.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	var (
		encErr      *record.EncodingError
		notAnchored *verification.NotAnchoredError
	)
	switch {
	case errors.As(err, &encErr):
		c.JSON(http.StatusUnprocessableEntity, errorBody{
			Error:     err.Error(),
			ErrorKind: string(ledger.KindEncoding),
			Field:     encErr.Field,
		})
	case errors.As(err, &notAnchored):
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error(), ErrorKind: string(ledger.KindNotAnchored)})
	case errors.Is(err, anchoring.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, anchoring.ErrNotCancellable), errors.Is(err, anchoring.ErrNotHalted):
		c.JSON(http.StatusConflict, errorBody{Error: err.Error()})
	default:
		kind := ledger.Classify(err)
		status := http.StatusInternalServerError
		if kind != ledger.KindInternal {
			status = http.StatusBadGateway
		}
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("error_kind", string(kind)),
			zap.Error(err),
		)
		c.JSON(status, errorBody{Error: err.Error(), ErrorKind: string(kind)})
	}
}
