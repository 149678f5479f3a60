package main

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/conversations"
)

// Inbox is the read side of the direct-message conversation index kept by
// the messaging service.
type Inbox interface {
	List(ctx context.Context, userID string) ([]conversations.Conversation, error)
	MarkRead(ctx context.Context, userID, teamID, otherUserID string) error
}

type ReadRequest struct {
	TeamID      string `json:"team_id"`
	OtherUserID string `json:"other_user_id"`
}

func ConversationsHandler(inbox Inbox, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := inbox.List(r.Context(), actor(r))
		if err != nil {
			log.Error("Failed to list conversations", zap.String("user_id", actor(r)), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Failed to retrieve conversations"})
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// ReadHandler resets the unread count of one conversation.
func ReadHandler(inbox Inbox, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReadRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.TeamID == "" || req.OtherUserID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "team_id and other_user_id are required"})
			return
		}
		if err := inbox.MarkRead(r.Context(), actor(r), req.TeamID, req.OtherUserID); err != nil {
			log.Error("Failed to reset unread count", zap.String("user_id", actor(r)), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Failed to reset unread count"})
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
