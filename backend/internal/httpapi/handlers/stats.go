package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"collabEngine/backend/internal/collab"
)

// 只读统计端点；编辑流量全部走 WebSocket
type StatsHandler struct {
	svc collab.Service
}

func NewStatsHandler(svc collab.Service) *StatsHandler {
	return &StatsHandler{svc: svc}
}

func (h *StatsHandler) GetSessionStats(c *gin.Context) {
	stats, err := h.svc.GetSessionStats(c.Request.Context(), c.Param("sessionID"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

func (h *StatsHandler) GetDocumentStats(c *gin.Context) {
	stats, err := h.svc.GetDocumentCollaborationStats(c.Request.Context(), c.Param("documentID"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

func (h *StatsHandler) GetCollaborators(c *gin.Context) {
	collaborators, err := h.svc.GetCollaborators(c.Request.Context(), c.Param("documentID"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "collaborators": collaborators})
}

func respondErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, collab.ErrDocumentNotFound),
		errors.Is(err, collab.ErrUserNotFound),
		errors.Is(err, collab.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, collab.ErrUnknownOperationType):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"success": false, "reason": err.Error()})
}
