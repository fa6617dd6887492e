package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mesh-intelligence/splitsync/internal/cache"
	"github.com/mesh-intelligence/splitsync/pkg/types"
)

type friendshipRequest struct {
	UserID      string `json:"userId" binding:"required"`
	OtherID     string `json:"otherId" binding:"required"`
	Status      string `json:"status" binding:"required"`
	RequestedBy string `json:"requestedBy" binding:"required"`
}

type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

func (s *Server) userBalances(c *gin.Context) {
	bal, status, err := s.svc.UserBalances(c.Request.Context(), c.Param("userId"))
	s.cached(c, bal, status, err)
}

func (s *Server) userExpenses(c *gin.Context) {
	expenses, status, err := s.svc.UserExpenses(c.Request.Context(), c.Param("userId"))
	if expenses == nil {
		expenses = []*types.Expense{}
	}
	s.cached(c, expenses, status, err)
}

func (s *Server) userFriends(c *gin.Context) {
	friends, status, err := s.svc.UserFriends(c.Request.Context(), c.Param("userId"))
	if friends == nil {
		friends = []types.Friendship{}
	}
	s.cached(c, friends, status, err)
}

func (s *Server) cached(c *gin.Context, body any, status cache.Status, err error) {
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header(HeaderCache, string(status))
	c.JSON(http.StatusOK, body)
}

func (s *Server) upsertFriendship(c *gin.Context) {
	var req friendshipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	f, err := s.svc.UpsertFriendship(c.Request.Context(), req.UserID, req.OtherID, req.Status, req.RequestedBy)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (s *Server) deleteFriendship(c *gin.Context) {
	n, err := s.svc.DeleteFriendship(c.Request.Context(), c.Param("userId"), c.Param("otherId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (s *Server) listConflicts(c *gin.Context) {
	records, err := s.svc.ListConflicts(c.Request.Context(), c.Query("userId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if records == nil {
		records = []types.ConflictRecord{}
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) reportConflicts(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	var records []types.ConflictRecord
	if err := c.ShouldBindJSON(&records); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	stored, err := s.svc.ReportConflicts(c.Request.Context(), actor, records)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (s *Server) resolveConflict(c *gin.Context) {
	actor, ok := s.actor(c)
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := s.svc.ResolveConflict(c.Request.Context(), c.Param("id"), req.Resolution, actor)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
