package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/chat"
)

type PresenceHandler struct {
	svc *chat.Service
	log *zap.Logger
}

func NewPresenceHandler(svc *chat.Service, log *zap.Logger) *PresenceHandler {
	return &PresenceHandler{svc: svc, log: log}
}

// ServeHTTP lists the online members of a team: GET /teams/presence?team_id=.
func (h *PresenceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	teamID := r.URL.Query().Get("team_id")
	if teamID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "team_id is required"})
		return
	}
	users, err := h.svc.TeamPresence(r.Context(), actor(r), teamID)
	writeResult(w, h.log, http.StatusOK, map[string][]string{"online": users}, err)
}
