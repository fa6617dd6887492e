package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mesh-intelligence/splitsync/internal/ledger"
	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// resource binds one versioned entity kind to the service.
type resource[T any] struct {
	create  func(ctx context.Context, v T, actor string) (*T, error)
	get     func(ctx context.Context, id string) (*T, error)
	update  func(ctx context.Context, v T, expectedVersion int64, actor string) (*T, error)
	remove  func(ctx context.Context, id string, expectedVersion int64, actor string) (*T, error)
	setID   func(v *T, id string)
	version func(v *T) (string, int64)
}

func expenseResource(svc *ledger.Service) resource[types.Expense] {
	return resource[types.Expense]{
		create:  svc.CreateExpense,
		get:     svc.GetExpense,
		update:  svc.UpdateExpense,
		remove:  svc.DeleteExpense,
		setID:   func(e *types.Expense, id string) { e.ID = id },
		version: func(e *types.Expense) (string, int64) { return e.ID, e.Version },
	}
}

func settlementResource(svc *ledger.Service) resource[types.Settlement] {
	return resource[types.Settlement]{
		create:  svc.CreateSettlement,
		get:     svc.GetSettlement,
		update:  svc.UpdateSettlement,
		remove:  svc.DeleteSettlement,
		setID:   func(s *types.Settlement, id string) { s.ID = id },
		version: func(s *types.Settlement) (string, int64) { return s.ID, s.Version },
	}
}

func registerResource[T any](s *Server, g *gin.RouterGroup, r resource[T]) {
	respond := func(c *gin.Context, status int, v *T) {
		id, version := r.version(v)
		c.Header("ETag", types.ETag(id, version))
		c.JSON(status, v)
	}

	g.POST("", func(c *gin.Context) {
		actor, ok := s.actor(c)
		if !ok {
			return
		}
		var v T
		if err := c.ShouldBindJSON(&v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		created, err := r.create(c.Request.Context(), v, actor)
		if err != nil {
			s.writeError(c, err)
			return
		}
		respond(c, http.StatusCreated, created)
	})

	g.GET("/:id", func(c *gin.Context) {
		v, err := r.get(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.writeError(c, err)
			return
		}
		respond(c, http.StatusOK, v)
	})

	g.PUT("/:id", func(c *gin.Context) {
		actor, ok := s.actor(c)
		if !ok {
			return
		}
		expected, err := expectedVersion(c)
		if err != nil {
			s.writeError(c, err)
			return
		}
		var v T
		if err := c.ShouldBindJSON(&v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		r.setID(&v, c.Param("id"))
		updated, err := r.update(c.Request.Context(), v, expected, actor)
		if err != nil {
			s.writeError(c, err)
			return
		}
		respond(c, http.StatusOK, updated)
	})

	g.DELETE("/:id", func(c *gin.Context) {
		actor, ok := s.actor(c)
		if !ok {
			return
		}
		expected, err := expectedVersion(c)
		if err != nil {
			s.writeError(c, err)
			return
		}
		deleted, err := r.remove(c.Request.Context(), c.Param("id"), expected, actor)
		if err != nil {
			s.writeError(c, err)
			return
		}
		respond(c, http.StatusOK, deleted)
	})
}

// expectedVersion reads the If-Match precondition. The tag must name the
// entity addressed by the path.
func expectedVersion(c *gin.Context) (int64, error) {
	tag := c.GetHeader("If-Match")
	if tag == "" {
		return 0, types.ErrPreconditionRequired
	}
	id, version, err := types.ParseETag(tag)
	if err != nil {
		return 0, err
	}
	if id != c.Param("id") {
		return 0, types.ErrInvalidPrecondition
	}
	return version, nil
}

// actor returns the X-User-ID header, writing a 400 when it is missing.
func (s *Server) actor(c *gin.Context) (string, bool) {
	actor := c.GetHeader(HeaderUserID)
	if actor == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + HeaderUserID + " header"})
		return "", false
	}
	return actor, true
}
