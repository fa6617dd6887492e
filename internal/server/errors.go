package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// writeError maps store and service errors to HTTP responses.
func (s *Server) writeError(c *gin.Context, err error) {
	var vc *types.VersionConflictError
	if errors.As(err, &vc) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "currentVersion": vc.CurrentVersion})
		return
	}

	switch {
	case errors.Is(err, types.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, types.ErrPreconditionRequired):
		c.JSON(http.StatusPreconditionRequired, gin.H{"error": err.Error()})
	case errors.Is(err, types.ErrConflictResolved):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, types.ErrInvalidID),
		errors.Is(err, types.ErrInvalidData),
		errors.Is(err, types.ErrInvalidActor),
		errors.Is(err, types.ErrInvalidStatus),
		errors.Is(err, types.ErrSelfRelation),
		errors.Is(err, types.ErrInvalidPrecondition),
		errors.Is(err, types.ErrInvalidResolution),
		errors.Is(err, types.ErrUnknownEntityType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
