package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/auth"
	"github.com/mahaj/teamchat/pkg/chat"
	"github.com/mahaj/teamchat/pkg/config"
	"github.com/mahaj/teamchat/pkg/model"
)

// AuthHandler checks credentials and issues access tokens and the refresh
// cookie.
type AuthHandler struct {
	svc    *chat.Service
	issuer *auth.Issuer
	cfg    config.AuthConfig
	secure bool
	log    *zap.Logger
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	UsernameOrEmail string `json:"usernameOrEmail"`
	Password        string `json:"password"`
}

type LoginResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	u, err := h.svc.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.issue(w, http.StatusCreated, u)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	u, err := h.svc.Login(r.Context(), req.UsernameOrEmail, req.Password)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.issue(w, http.StatusOK, u)
}

// Refresh trades the nwid cookie for a new access token and rotates the
// cookie. Tokens issued before the last logout are refused.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(auth.RefreshCookieName)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "refresh cookie required"})
		return
	}
	claims, err := h.issuer.ValidateRefreshToken(cookie.Value)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid token"})
		return
	}
	u, err := h.svc.User(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if claims.TokenVersion < u.TokenVersion {
		http.SetCookie(w, auth.RefreshCookie("", h.cfg.CookieDomain, h.secure, 0))
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Token revoked"})
		return
	}
	h.issue(w, http.StatusOK, u)
}

// Logout revokes every refresh token of the caller and clears the cookie.
// Access tokens already handed out stay valid until they expire.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RevokeRefreshTokens(r.Context(), actor(r)); err != nil {
		writeError(w, h.log, err)
		return
	}
	http.SetCookie(w, auth.RefreshCookie("", h.cfg.CookieDomain, h.secure, 0))
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) issue(w http.ResponseWriter, status int, u *model.User) {
	access, err := h.issuer.GenerateAccessToken(u.ID, u.Username)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	refresh, err := h.issuer.GenerateRefreshToken(u.ID, u.TokenVersion)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	http.SetCookie(w, auth.RefreshCookie(refresh, h.cfg.CookieDomain, h.secure, h.cfg.RefreshTTL))
	writeJSON(w, status, LoginResponse{Token: access, User: u})
}

func AuthMiddleware(issuer *auth.Issuer, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := auth.BearerToken(r.Header.Get("Authorization"))
			if tokenString == "" {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Authorization header required"})
				return
			}

			claims, err := issuer.ValidateAccessToken(tokenString)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid token"})
				return
			}

			log.Debug("Authenticated request", zap.String("user_id", claims.UserID), zap.String("path", r.URL.Path))
			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

// actor is the authenticated user id; AuthMiddleware guarantees it is set.
func actor(r *http.Request) string {
	claims, _ := auth.FromContext(r.Context())
	return claims.UserID
}
