// Package session owns the authentication token and the identity of the
// current user.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/api"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Backend is the subset of the REST API the session needs.
type Backend interface {
	Login(ctx context.Context, username, password string) (*api.LoginResponse, error)
	Register(ctx context.Context, username, password string) error
	ValidateToken(ctx context.Context, token string) (*models.User, error)
}

// TokenStore persists the token across process restarts.
type TokenStore interface {
	Token() string
	SetToken(token string) error
	ClearToken() error
}

// Store holds the session. The current user is only ever set together
// with a token the server has accepted since process start.
type Store struct {
	backend Backend
	persist TokenStore
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	token string
	user  *models.User
}

// NewStore creates an empty session. Call Initialize to resume a
// persisted one.
func NewStore(backend Backend, persist TokenStore, logger *slog.Logger) *Store {
	return &Store{
		backend: backend,
		persist: persist,
		logger:  logger.With(slog.String("component", "session")),
		now:     time.Now,
	}
}

// Initialize resumes the persisted session, if any, by validating its
// token with the server. Any validation failure logs the session out
// instead of returning an error. Only a cancelled context or a failure to
// erase the persisted token is returned.
func (s *Store) Initialize(ctx context.Context) error {
	token := s.persist.Token()
	if token == "" {
		s.logger.Debug("no persisted token")
		return nil
	}

	claims := inspectToken(token)
	if claims.expired(s.now()) {
		s.logger.Info("persisted token expired, logging out",
			slog.Time("expires_at", claims.expiresAt),
		)
		return s.Logout()
	}

	if claims.jwt {
		s.logger.Debug("validating persisted token", slog.Uint64("claimed_user_id", uint64(claims.userID)))
	}

	user, err := s.backend.ValidateToken(ctx, token)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, chaterrors.ErrAuthFailure) {
			s.logger.Info("persisted token rejected, logging out")
		} else {
			s.logger.Warn("token validation failed, logging out", slog.String("error", err.Error()))
		}

		return s.Logout()
	}

	s.mu.Lock()
	s.token = token
	s.user = user
	s.mu.Unlock()

	s.logger.Info("session resumed",
		slog.Uint64("user_id", uint64(user.ID)),
		slog.String("username", user.Username),
	)

	return nil
}

// Login authenticates with the server and, on success, replaces the
// session and persists the token. Errors are returned to the caller
// untouched and leave any existing session in place.
func (s *Store) Login(ctx context.Context, username, password string) (*models.User, error) {
	resp, err := s.backend.Login(ctx, username, password)
	if err != nil {
		s.logger.Debug("login failed", slog.String("username", username), slog.String("error", err.Error()))
		return nil, err
	}

	user := resp.User
	if user == nil || user.ID == 0 {
		// The backend may answer with a bare token; ask who it belongs to.
		user, err = s.backend.ValidateToken(ctx, resp.Token)
		if err != nil {
			return nil, fmt.Errorf("resolving user for new token: %w", err)
		}
	}

	if err := s.persist.SetToken(resp.Token); err != nil {
		return nil, fmt.Errorf("persisting token: %w", err)
	}

	s.mu.Lock()
	s.token = resp.Token
	s.user = user
	s.mu.Unlock()

	s.logger.Info("logged in",
		slog.Uint64("user_id", uint64(user.ID)),
		slog.String("username", user.Username),
	)

	return user, nil
}

// Register creates an account. It never establishes a session.
func (s *Store) Register(ctx context.Context, username, password string) error {
	if err := s.backend.Register(ctx, username, password); err != nil {
		return err
	}

	s.logger.Info("registered", slog.String("username", username))

	return nil
}

// Logout clears the session and erases the persisted token. Safe to call
// any number of times.
func (s *Store) Logout() error {
	s.mu.Lock()
	wasActive := s.token != ""
	s.token = ""
	s.user = nil
	s.mu.Unlock()

	if err := s.persist.ClearToken(); err != nil {
		return fmt.Errorf("erasing persisted token: %w", err)
	}

	if wasActive {
		s.logger.Info("logged out")
	}

	return nil
}

// Token returns the session token, or "" when logged out. It satisfies
// api.TokenSource.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// CurrentUser returns a copy of the logged-in user.
func (s *Store) CurrentUser() (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.user == nil {
		return models.User{}, false
	}

	return *s.user, true
}

// Authenticated reports whether a validated session exists.
func (s *Store) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != "" && s.user != nil
}
