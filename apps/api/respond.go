package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/chat"
	"github.com/mahaj/teamchat/pkg/model"
)

type errorResponse struct {
	Error   string             `json:"error"`
	Fields  []model.FieldError `json:"fields,omitempty"`
	Warning string             `json:"warning,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeResult answers with v, or with the status matching err. A result
// whose live event was lost is still a success; the warning travels in a
// header so the body keeps its shape.
func writeResult(w http.ResponseWriter, log *zap.Logger, status int, v any, err error) {
	if errors.Is(err, chat.ErrDeliveryLost) {
		w.Header().Set("X-Delivery-Warning", err.Error())
		err = nil
	}
	if err == nil {
		writeJSON(w, status, v)
		return
	}
	writeError(w, log, err)
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	var fields chat.FieldErrors
	switch {
	case errors.As(err, &fields):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid input", Fields: fields})
	case errors.Is(err, chat.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, chat.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthenticated"})
	case errors.Is(err, chat.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "service temporarily unavailable"})
	default:
		log.Error("Request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return false
	}
	return true
}
