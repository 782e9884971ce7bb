package room

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Matchmaker
}

func NewHandler(svc *Matchmaker) *Handler {
	return &Handler{svc: svc}
}

// POST /match/join  body: {userId, capacity, matchedGender}
func (h *Handler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	policy, err := ParsePolicy(req.MatchedGender)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := h.svc.FindOrCreateRoom(c.Request.Context(), req.UserID, req.Capacity, policy)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot(r))
}

// POST /match/leave  body: {userId}
func (h *Handler) Leave(c *gin.Context) {
	var req LeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := h.svc.Leave(c.Request.Context(), req.UserID); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GET /rooms/:id
func (h *Handler) GetRoom(c *gin.Context) {
	r, err := h.svc.Room(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot(r))
}

func snapshot(r *Room) JoinSnapshotResponse {
	return JoinSnapshotResponse{
		RoomID:    r.ID,
		Occupants: r.OccupantIDs(),
		Status:    r.Status,
	}
}

// 类型化错误 -> HTTP 状态码；其余（目录 I/O 故障等）一律 503 交给外层重试
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrInvalidCapacity), errors.Is(err, ErrInvalidPolicy), errors.Is(err, ErrInvalidUserID):
		return http.StatusBadRequest
	case errors.Is(err, ErrParticipantUnresolved), errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrNotInRoom):
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}
