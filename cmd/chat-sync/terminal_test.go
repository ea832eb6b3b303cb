package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	changes  chan struct{}
	me       *models.User
	roster   []models.User
	active   uint
	messages []models.Message
	sent     []string
	loginErr error
}

func newFakeService() *fakeService {
	return &fakeService{
		changes: make(chan struct{}, 1),
		roster:  []models.User{{ID: 2, Username: "bob"}},
	}
}

func (f *fakeService) Changes() <-chan struct{} { return f.changes }

func (f *fakeService) CurrentUser() (models.User, bool) {
	if f.me == nil {
		return models.User{}, false
	}
	return *f.me, true
}

func (f *fakeService) Login(_ context.Context, username, _ string) (models.User, error) {
	if f.loginErr != nil {
		return models.User{}, f.loginErr
	}
	f.me = &models.User{ID: 1, Username: username}
	return *f.me, nil
}

func (f *fakeService) Logout() error {
	f.me = nil
	f.active = 0
	f.messages = nil
	return nil
}

func (f *fakeService) FetchRoster(context.Context) ([]models.User, error) {
	if f.me == nil {
		return nil, chaterrors.ErrNoSession
	}
	return f.roster, nil
}

func (f *fakeService) Roster() []models.User { return f.roster }

func (f *fakeService) UserByName(name string) (models.User, bool) {
	for _, u := range f.roster {
		if u.Username == name {
			return u, true
		}
	}
	return models.User{}, false
}

func (f *fakeService) SelectPeer(_ context.Context, peer uint) error {
	if f.me == nil {
		return chaterrors.ErrNoSession
	}
	f.active = peer
	return nil
}

func (f *fakeService) ActivePeer() (uint, bool) { return f.active, f.active != 0 }

func (f *fakeService) Messages() []models.Message { return f.messages }

func (f *fakeService) SendMessage(_ context.Context, content string) (models.Message, error) {
	if f.active == 0 {
		return models.Message{}, chaterrors.ErrNoPeer
	}
	f.sent = append(f.sent, content)
	msg := models.Message{Content: content, SenderID: f.me.ID, LocalID: "l1", Status: models.StatusSent, CreatedAt: time.Now()}
	f.messages = append(f.messages, msg)
	return msg, nil
}

func newTestTerminal(svc chatService) (*terminal, *bytes.Buffer) {
	out := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newTerminal(svc, strings.NewReader(""), out, logger), out
}

func TestHandle_LoginSelectSend(t *testing.T) {
	svc := newFakeService()
	term, out := newTestTerminal(svc)
	ctx := t.Context()

	require.NoError(t, term.handle(ctx, "/login alice secret"))
	assert.Contains(t, out.String(), "logged in as alice")

	require.NoError(t, term.handle(ctx, "/select bob"))
	assert.Equal(t, uint(2), svc.active)
	assert.Contains(t, out.String(), "-- bob --")

	require.NoError(t, term.handle(ctx, "  hello bob  "))
	assert.Equal(t, []string{"hello bob"}, svc.sent)
}

func TestHandle_Errors(t *testing.T) {
	svc := newFakeService()
	term, _ := newTestTerminal(svc)
	ctx := t.Context()

	assert.ErrorIs(t, term.handle(ctx, "hi"), chaterrors.ErrNoPeer)
	assert.ErrorIs(t, term.handle(ctx, "/users"), chaterrors.ErrNoSession)
	assert.ErrorContains(t, term.handle(ctx, "/login alice"), "usage")
	assert.ErrorContains(t, term.handle(ctx, "/frobnicate"), "unknown command")

	svc.me = &models.User{ID: 1, Username: "alice"}
	assert.ErrorContains(t, term.handle(ctx, "/select mallory"), `user "mallory" not found`)
	assert.ErrorIs(t, term.handle(ctx, "/quit"), errQuit)
	assert.NoError(t, term.handle(ctx, "   "))
}

func TestRender_PrintsNewAndChangedMessagesOnce(t *testing.T) {
	svc := newFakeService()
	svc.me = &models.User{ID: 1, Username: "alice"}
	svc.active = 2
	svc.messages = []models.Message{
		{ID: 10, SenderID: 2, Content: "hi alice", Status: models.StatusReceived},
		{LocalID: "l1", SenderID: 1, Content: "hi bob", Status: models.StatusPending},
	}

	term, out := newTestTerminal(svc)

	term.render()
	assert.Contains(t, out.String(), "bob: hi alice")
	assert.Contains(t, out.String(), "you: hi bob (sending)")

	out.Reset()
	term.render()
	assert.Empty(t, out.String())

	svc.messages[1].Status = models.StatusFailed
	term.render()
	assert.Equal(t, 1, strings.Count(out.String(), "\n"))
	assert.Contains(t, out.String(), "you: hi bob (not sent)")
}

func TestRun_QuitEndsLoop(t *testing.T) {
	svc := newFakeService()
	out := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	term := newTerminal(svc, strings.NewReader("/help\n/quit\n"), out, logger)

	require.NoError(t, term.Run(t.Context()))
	assert.Contains(t, out.String(), "commands:")
}

func TestRun_EndOfInput(t *testing.T) {
	svc := newFakeService()
	term, _ := newTestTerminal(svc)

	assert.NoError(t, term.Run(t.Context()))
}
