// Package chat is the entry point for front ends. It coordinates the
// session, the REST directory, the live connection and the conversation
// model, and tells the front end when something changed.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/conversation"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// resyncTimeout bounds the history refetch that follows a reconnect.
const resyncTimeout = time.Minute

// ErrEmptyMessage is returned when sending blank content.
var ErrEmptyMessage = fmt.Errorf("empty message: %w", chaterrors.ErrPrecondition)

// Sessions is the session store.
type Sessions interface {
	Login(ctx context.Context, username, password string) (*models.User, error)
	Logout() error
	Token() string
	CurrentUser() (models.User, bool)
}

// Directory is the REST side of the backend.
type Directory interface {
	Users(ctx context.Context) ([]models.User, error)
	Conversation(ctx context.Context, userID, peerID uint) (*models.Conversation, error)
}

// Live is the live connection.
type Live interface {
	Send(ctx context.Context, frame models.OutboundMessage) error
	Start(token string)
	Stop()
}

// Service is the sync façade. It holds no state of its own beyond the
// change notifier; everything else lives in the session and the model.
type Service struct {
	sessions Sessions
	dir      Directory
	live     Live
	model    *conversation.Model
	logger   *slog.Logger
	now      func() time.Time

	// changes is signalled, without blocking, after every mutation the
	// front end may want to render.
	changes chan struct{}
}

// NewService wires the façade.
func NewService(sessions Sessions, dir Directory, live Live, logger *slog.Logger) *Service {
	return &Service{
		sessions: sessions,
		dir:      dir,
		live:     live,
		model:    conversation.New(),
		logger:   logger.With(slog.String("component", "chat")),
		now:      time.Now,
		changes:  make(chan struct{}, 1),
	}
}

// Changes returns a channel that receives a value after state changes.
// Signals coalesce: one receive may stand for several changes.
func (s *Service) Changes() <-chan struct{} {
	return s.changes
}

func (s *Service) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Service) self() (models.User, error) {
	user, ok := s.sessions.CurrentUser()
	if !ok {
		return models.User{}, chaterrors.ErrNoSession
	}

	return user, nil
}

// CurrentUser returns the logged-in user.
func (s *Service) CurrentUser() (models.User, bool) {
	return s.sessions.CurrentUser()
}

// Resume starts the live connection for a session restored at startup.
// It reports false if there is no session.
func (s *Service) Resume() bool {
	if _, ok := s.sessions.CurrentUser(); !ok {
		return false
	}

	s.live.Start(s.sessions.Token())

	return true
}

// Login authenticates and opens the live connection. Errors from the
// backend are returned as is.
func (s *Service) Login(ctx context.Context, username, password string) (models.User, error) {
	prev, hadPrev := s.sessions.CurrentUser()

	user, err := s.sessions.Login(ctx, username, password)
	if err != nil {
		return models.User{}, err
	}

	if !hadPrev || prev.ID != user.ID {
		s.model.Reset()
	}

	s.live.Start(s.sessions.Token())
	s.notify()

	return *user, nil
}

// Logout closes the live connection and drops all local state. Calling
// it without a session is harmless.
func (s *Service) Logout() error {
	s.live.Stop()
	s.model.Reset()

	err := s.sessions.Logout()
	s.notify()

	return err
}

// FetchRoster refreshes the roster from the server.
func (s *Service) FetchRoster(ctx context.Context) ([]models.User, error) {
	if _, err := s.self(); err != nil {
		return nil, err
	}

	gen := s.model.Generation()

	users, err := s.dir.Users(ctx)
	if err != nil {
		return nil, err
	}

	if !s.model.InstallRoster(gen, users) {
		return nil, chaterrors.ErrNoSession
	}

	s.notify()

	return users, nil
}

// Roster returns the last fetched roster.
func (s *Service) Roster() []models.User {
	return s.model.Roster()
}

// UserByName finds a roster entry by username.
func (s *Service) UserByName(name string) (models.User, bool) {
	return s.model.UserByName(name)
}

// ActivePeer returns the selected peer.
func (s *Service) ActivePeer() (uint, bool) {
	return s.model.Active()
}

// SelectPeer makes peer the active conversation and loads its history
// the first time. Repeated or concurrent selections of the same peer
// fetch only once.
func (s *Service) SelectPeer(ctx context.Context, peer uint) error {
	self, err := s.self()
	if err != nil {
		return err
	}

	if err := s.model.SetActive(peer); err != nil {
		return err
	}

	s.notify()

	gen, ok := s.model.BeginFetch(peer)
	if !ok {
		return nil
	}

	return s.fetchHistory(ctx, self.ID, peer, gen)
}

func (s *Service) fetchHistory(ctx context.Context, self, peer uint, gen uint64) error {
	conv, err := s.dir.Conversation(ctx, self, peer)
	if err != nil {
		s.model.AbortFetch(peer, gen)
		return err
	}

	if !s.model.InstallHistory(peer, gen, *conv) {
		s.logger.Debug("discarding history fetched before logout", slog.Uint64("peer", uint64(peer)))
		return nil
	}

	s.logger.Debug("history installed",
		slog.Uint64("peer", uint64(peer)),
		slog.Uint64("conversation_id", uint64(conv.ID)),
		slog.Int("messages", len(conv.Messages)),
	)

	s.notify()

	return nil
}

// SendMessage appends content to the active conversation and writes it
// to the live channel. The returned message carries the final local
// status. A failed write leaves the message in the log marked failed and
// returns the error.
func (s *Service) SendMessage(ctx context.Context, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyMessage
	}

	self, err := s.self()
	if err != nil {
		return models.Message{}, err
	}

	peer, msg, err := s.model.AppendOutbound(self.ID, content, s.now())
	if err != nil {
		return models.Message{}, err
	}

	s.notify()

	err = s.live.Send(ctx, models.OutboundMessage{
		Content:        msg.Content,
		SenderID:       msg.SenderID,
		ConversationID: msg.ConversationID,
	})
	if err != nil {
		s.model.MarkFailed(peer, msg.LocalID)
		s.notify()

		msg.Status = models.StatusFailed
		s.logger.Warn("send failed",
			slog.Uint64("peer", uint64(peer)),
			slog.String("error", err.Error()),
		)

		return msg, err
	}

	s.model.MarkSent(peer, msg.LocalID)
	s.notify()

	msg.Status = models.StatusSent

	return msg, nil
}

// ConversationID returns the server's conversation ID for peer once it is
// known.
func (s *Service) ConversationID(peer uint) (uint, bool) {
	return s.model.ConversationID(peer)
}

// Messages returns the active conversation's messages.
func (s *Service) Messages() []models.Message {
	return s.model.Messages()
}

// MessagesFor returns peer's messages.
func (s *Service) MessagesFor(peer uint) []models.Message {
	return s.model.MessagesFor(peer)
}

// HandleInbound stores a message pushed over the live channel.
func (s *Service) HandleInbound(msg models.Message) {
	self, ok := s.sessions.CurrentUser()
	if !ok {
		s.logger.Debug("dropping live message without session")
		return
	}

	peer, changed, err := s.model.DeliverInbound(self.ID, msg)
	if err != nil {
		s.logger.Warn("dropping live message",
			slog.Uint64("sender_id", uint64(msg.SenderID)),
			slog.Uint64("conversation_id", uint64(msg.ConversationID)),
			slog.String("error", err.Error()),
		)

		return
	}

	if changed {
		s.logger.Debug("live message stored", slog.Uint64("peer", uint64(peer)))
		s.notify()
	}
}

// HandleOpen runs after the live connection opens. After a reconnect,
// messages sent while the channel was down are recovered by refetching
// every loaded conversation.
func (s *Service) HandleOpen(reconnect bool) {
	if !reconnect {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	if err := s.Resync(ctx); err != nil {
		s.logger.Warn("resync after reconnect failed", slog.String("error", err.Error()))
	}
}

// Resync refetches and merges the history of every loaded conversation.
func (s *Service) Resync(ctx context.Context) error {
	self, err := s.self()
	if err != nil {
		return err
	}

	var errs []error

	for _, peer := range s.model.LoadedPeers() {
		gen, ok := s.model.BeginRefresh(peer)
		if !ok {
			continue
		}

		if err := s.fetchHistory(ctx, self.ID, peer, gen); err != nil {
			errs = append(errs, fmt.Errorf("peer %d: %w", peer, err))
		}
	}

	return errors.Join(errs...)
}
