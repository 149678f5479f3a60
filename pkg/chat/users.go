package chat

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/auth"
	"github.com/mahaj/teamchat/pkg/model"
	"github.com/mahaj/teamchat/pkg/store"
)

const minPasswordLength = 6

// Register creates an account. Username and email are unique regardless of
// case; the email is stored lowercased.
func (s *Service) Register(ctx context.Context, username, email, password string) (*model.User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	var errs FieldErrors
	if n := len([]rune(username)); n < 3 || n > 24 {
		errs = append(errs, model.FieldError{Field: "username", Message: "Username length must be 3 - 24 characters long"})
	} else if strings.Contains(username, "@") {
		errs = append(errs, model.FieldError{Field: "username", Message: "Username cannot contain an @"})
	}
	if _, err := mail.ParseAddress(email); err != nil {
		errs = append(errs, model.FieldError{Field: "email", Message: "Email is invalid"})
	}
	switch {
	case len(password) < minPasswordLength:
		errs = append(errs, model.FieldError{Field: "password", Message: "Password length must be at least 6 characters long"})
	case len(password) > auth.MaxPasswordLength:
		errs = append(errs, model.FieldError{Field: "password", Message: "Password must be at most 72 bytes long"})
	}
	if len(errs) > 0 {
		return nil, errs
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		s.log.Error("Password hashing failed", zap.Error(err))
		return nil, ErrUnavailable
	}
	u := &model.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, s.fail("register", err)
	}
	return u, nil
}

// Login checks a username or email and password. An unknown login is a field
// error; a wrong password is ErrUnauthenticated.
func (s *Service) Login(ctx context.Context, login, password string) (*model.User, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return nil, fieldError("usernameOrEmail", "Must not be empty")
	}
	if password == "" {
		return nil, fieldError("password", "Must not be empty")
	}
	u, err := s.store.UserByLogin(ctx, login)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fieldError("usernameOrEmail", "User does not exist")
	}
	if err != nil {
		return nil, s.fail("login", err)
	}
	ok, err := auth.CheckPassword(u.PasswordHash, password)
	if err != nil {
		s.log.Warn("Unusable password hash", zap.String("user_id", u.ID), zap.Error(err))
	}
	if !ok {
		return nil, ErrUnauthenticated
	}
	return u, nil
}

func (s *Service) User(ctx context.Context, id string) (*model.User, error) {
	u, err := s.store.User(ctx, id)
	if err != nil {
		return nil, s.fail("load user", err)
	}
	return u, nil
}

// RevokeRefreshTokens invalidates every refresh token issued to actor so far.
func (s *Service) RevokeRefreshTokens(ctx context.Context, actor string) error {
	if err := s.store.BumpTokenVersion(ctx, actor); err != nil {
		return s.fail("revoke refresh tokens", err)
	}
	return nil
}
