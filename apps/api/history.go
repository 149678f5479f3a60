package main

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/chat"
)

type HistoryHandler struct {
	svc *chat.Service
	log *zap.Logger
}

func NewHistoryHandler(svc *chat.Service, log *zap.Logger) *HistoryHandler {
	return &HistoryHandler{svc: svc, log: log}
}

// Channel serves GET /history?channel_id=&cursor=&limit=. Each page is oldest
// first; nextCursor reaches further back.
func (h *HistoryHandler) Channel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channelID := q.Get("channel_id")
	if channelID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "channel_id is required"})
		return
	}
	page, err := h.svc.PaginateMessages(r.Context(), actor(r), channelID, q.Get("cursor"), limitParam(q.Get("limit")))
	writeResult(w, h.log, http.StatusOK, page, err)
}

// Direct serves GET /dm/history?team_id=&user_id=&cursor=&limit=.
func (h *HistoryHandler) Direct(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	teamID, otherID := q.Get("team_id"), q.Get("user_id")
	if teamID == "" || otherID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "team_id and user_id are required"})
		return
	}
	page, err := h.svc.DirectMessages(r.Context(), actor(r), teamID, otherID, q.Get("cursor"), limitParam(q.Get("limit")))
	writeResult(w, h.log, http.StatusOK, page, err)
}

// limitParam leaves clamping to the service; junk means the default.
func limitParam(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
