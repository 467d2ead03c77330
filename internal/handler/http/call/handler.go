package call

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callcore-backend/internal/domain"
	"callcore-backend/internal/middleware"
	"callcore-backend/internal/service/call"
	apperrors "callcore-backend/pkg/errors"
	"callcore-backend/pkg/pagination"
	"callcore-backend/pkg/response"
)

// QualityReader exposes the latest samples of a call's connections
type QualityReader interface {
	LatestForCall(callID uuid.UUID) map[uuid.UUID]domain.QualityStats
}

// TimelineReader reads the persisted call timeline
type TimelineReader interface {
	ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.TimelineEntry, error)
}

// Handler handles call HTTP requests
type Handler struct {
	callService *call.Service
	quality     QualityReader
	timeline    TimelineReader
}

// NewHandler creates a new call handler. timeline may be nil when no
// timeline store is configured.
func NewHandler(callService *call.Service, quality QualityReader, timeline TimelineReader) *Handler {
	return &Handler{
		callService: callService,
		quality:     quality,
		timeline:    timeline,
	}
}

// RegisterRoutes mounts the call routes on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/calls")
	calls.POST("", h.InitiateCall)
	calls.GET("", h.GetCallHistory)
	calls.GET("/:callId", h.GetCall)
	calls.DELETE("/:callId", h.EndCall)
	calls.POST("/:callId/participants", h.JoinCall)
	calls.PATCH("/:callId/participants/me", h.UpdateMediaState)
	calls.DELETE("/:callId/participants/:participantId", h.LeaveCall)
	calls.POST("/:callId/reject", h.RejectCall)
	calls.GET("/:callId/quality", h.GetCallQuality)
	calls.GET("/:callId/events", h.GetCallTimeline)

	rg.GET("/conversations/:conversationId/active-call", h.GetActiveCall)
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	ConversationID string               `json:"conversation_id" binding:"required"`
	Type           string               `json:"type" binding:"required"`
	Settings       *domain.CallSettings `json:"settings"`
}

// JoinCallRequest represents the optional join body
type JoinCallRequest struct {
	Settings *domain.CallSettings `json:"settings"`
}

// MediaStateRequest represents a media state update
type MediaStateRequest struct {
	Settings *domain.CallSettings `json:"settings" binding:"required"`
}

// InitiateCall starts a new call
// POST /v1/calls
func (h *Handler) InitiateCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.FromError(c, apperrors.InvalidInputError(err.Error()))
		return
	}

	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		response.FromError(c, apperrors.InvalidInputError("Invalid conversation ID"))
		return
	}

	session, err := h.callService.InitiateCall(c.Request.Context(), &call.InitiateCallInput{
		ConversationID: conversationID,
		InitiatorID:    userID,
		CallType:       domain.CallType(req.Type),
		Settings:       req.Settings,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, session)
}

// GetCallHistory lists the caller's calls, newest first
// GET /v1/calls?limit=&offset=
func (h *Handler) GetCallHistory(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	window, err := pagination.Parse(c.Query("limit"), c.Query("offset"))
	if err != nil {
		response.FromError(c, apperrors.InvalidInputError(err.Error()))
		return
	}

	calls, err := h.callService.GetUserCallHistory(c.Request.Context(), userID, window.Limit, window.Offset)
	if err != nil {
		response.FromError(c, err)
		return
	}

	if calls == nil {
		calls = []*domain.Call{}
	}
	response.Success(c, http.StatusOK, gin.H{
		"calls":  calls,
		"limit":  window.Limit,
		"offset": window.Offset,
	})
}

// GetCall retrieves call information
// GET /v1/calls/:callId
func (h *Handler) GetCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "callId", "Invalid call ID")
	if !ok {
		return
	}

	session, err := h.callService.GetCallSession(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, session)
}

// EndCall terminates a call for everyone
// DELETE /v1/calls/:callId
func (h *Handler) EndCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "callId", "Invalid call ID")
	if !ok {
		return
	}

	session, err := h.callService.EndCall(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, session)
}

// JoinCall joins a pending or active call
// POST /v1/calls/:callId/participants
func (h *Handler) JoinCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "callId", "Invalid call ID")
	if !ok {
		return
	}

	var req JoinCallRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.FromError(c, apperrors.InvalidInputError(err.Error()))
			return
		}
	}

	session, err := h.callService.JoinCall(c.Request.Context(), callID, userID, req.Settings)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, session)
}

// UpdateMediaState changes the caller's mute and camera state
// PATCH /v1/calls/:callId/participants/me
func (h *Handler) UpdateMediaState(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "callId", "Invalid call ID")
	if !ok {
		return
	}

	var req MediaStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.FromError(c, apperrors.InvalidInputError(err.Error()))
		return
	}

	session, err := h.callService.UpdateMediaState(c.Request.Context(), callID, userID, req.Settings)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, session)
}

// LeaveCall leaves the call, or removes another participant when the caller
// moderates the conversation
// DELETE /v1/calls/:callId/participants/:participantId
func (h *Handler) LeaveCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "callId", "Invalid call ID")
	if !ok {
		return
	}

	targetID := userID
	if param := c.Param("participantId"); param != "me" {
		targetID, ok = pathUUID(c, "participantId", "Invalid participant ID")
		if !ok {
			return
		}
	}

	session, err := h.callService.LeaveCall(c.Request.Context(), callID, targetID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, session)
}

// RejectCall declines a ringing call
// POST /v1/calls/:callId/reject
func (h *Handler) RejectCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "callId", "Invalid call ID")
	if !ok {
		return
	}

	session, err := h.callService.RejectCall(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, session)
}

// GetCallQuality returns the latest quality sample of every monitored
// connection in the call
// GET /v1/calls/:callId/quality
func (h *Handler) GetCallQuality(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "callId", "Invalid call ID")
	if !ok {
		return
	}

	if _, err := h.callService.GetCallSession(c.Request.Context(), callID, userID); err != nil {
		response.FromError(c, err)
		return
	}

	stats := h.quality.LatestForCall(callID)
	if stats == nil {
		stats = map[uuid.UUID]domain.QualityStats{}
	}
	response.Success(c, http.StatusOK, gin.H{
		"call_id":     callID,
		"connections": stats,
	})
}

// GetCallTimeline returns persisted lifecycle events of a call
// GET /v1/calls/:callId/events?limit=
func (h *Handler) GetCallTimeline(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := pathUUID(c, "callId", "Invalid call ID")
	if !ok {
		return
	}
	if h.timeline == nil {
		response.Error(c, http.StatusNotFound, "NOT_FOUND", "Call timeline is not enabled")
		return
	}

	limit, err := queryInt(c, "limit")
	if err != nil || limit < 0 {
		response.FromError(c, apperrors.InvalidInputError("limit must be a non-negative integer"))
		return
	}

	if _, err := h.callService.GetCallSession(c.Request.Context(), callID, userID); err != nil {
		response.FromError(c, err)
		return
	}

	entries, err := h.timeline.ListByCall(c.Request.Context(), callID, limit)
	if err != nil {
		response.FromError(c, apperrors.StoreError(err))
		return
	}
	if entries == nil {
		entries = []*domain.TimelineEntry{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id": callID,
		"events":  entries,
	})
}

// GetActiveCall returns the conversation's pending or active call, or null
// GET /v1/conversations/:conversationId/active-call
func (h *Handler) GetActiveCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := pathUUID(c, "conversationId", "Invalid conversation ID")
	if !ok {
		return
	}

	session, err := h.callService.GetActiveCallForConversation(c.Request.Context(), conversationID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if session == nil {
		response.Success(c, http.StatusOK, nil)
		return
	}

	response.Success(c, http.StatusOK, session)
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	return userID, true
}

func pathUUID(c *gin.Context, name, message string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.FromError(c, apperrors.InvalidInputError(message))
		return uuid.Nil, false
	}
	return id, true
}

// queryInt returns 0 for an absent parameter
func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
