package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/chat"
	"github.com/mahaj/teamchat/pkg/model"
)

type TeamsHandler struct {
	svc *chat.Service
	log *zap.Logger
}

func NewTeamsHandler(svc *chat.Service, log *zap.Logger) *TeamsHandler {
	return &TeamsHandler{svc: svc, log: log}
}

type createTeamRequest struct {
	Name string `json:"name"`
}

type memberRequest struct {
	TeamID    string `json:"team_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id"`
}

type createChannelRequest struct {
	TeamID     string           `json:"team_id"`
	Name       string           `json:"name"`
	Visibility model.Visibility `json:"visibility"`
	MemberIDs  []string         `json:"member_ids"`
}

func (h *TeamsHandler) List(w http.ResponseWriter, r *http.Request) {
	teams, err := h.svc.Teams(r.Context(), actor(r))
	writeResult(w, h.log, http.StatusOK, teams, err)
}

func (h *TeamsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTeamRequest
	if !decodeBody(w, r, &req) {
		return
	}
	team, err := h.svc.CreateTeam(r.Context(), actor(r), req.Name)
	writeResult(w, h.log, http.StatusCreated, team, err)
}

func (h *TeamsHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if !decodeBody(w, r, &req) {
		return
	}
	u, err := h.svc.AddTeamMember(r.Context(), actor(r), req.TeamID, req.UserID)
	writeResult(w, h.log, http.StatusCreated, u, err)
}

// Members serves GET /teams/members?team_id=, the team's users with their
// names.
func (h *TeamsHandler) Members(w http.ResponseWriter, r *http.Request) {
	teamID := r.URL.Query().Get("team_id")
	if teamID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "team_id is required"})
		return
	}
	users, err := h.svc.TeamMembers(r.Context(), actor(r), teamID)
	writeResult(w, h.log, http.StatusOK, users, err)
}

func (h *TeamsHandler) Channels(w http.ResponseWriter, r *http.Request) {
	teamID := r.URL.Query().Get("team_id")
	if teamID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "team_id is required"})
		return
	}
	channels, err := h.svc.Channels(r.Context(), actor(r), teamID)
	writeResult(w, h.log, http.StatusOK, channels, err)
}

func (h *TeamsHandler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Visibility == "" {
		req.Visibility = model.VisibilityPublic
	}
	ch, err := h.svc.CreateChannel(r.Context(), actor(r), chat.ChannelInput{
		TeamID:     req.TeamID,
		Name:       req.Name,
		Visibility: req.Visibility,
		MemberIDs:  req.MemberIDs,
	})
	writeResult(w, h.log, http.StatusCreated, ch, err)
}

func (h *TeamsHandler) AddChannelMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.svc.AddChannelMember(r.Context(), actor(r), req.ChannelID, req.UserID); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TeamsHandler) RemoveChannelMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.svc.RemoveChannelMember(r.Context(), actor(r), req.ChannelID, req.UserID); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Typing lists who is typing in a channel right now.
func (h *TeamsHandler) Typing(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.TypingUsers(r.Context(), actor(r), r.URL.Query().Get("channel_id"))
	writeResult(w, h.log, http.StatusOK, map[string][]string{"typing": users}, err)
}
