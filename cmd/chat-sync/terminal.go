package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

const helpText = `commands:
  /login <username> <password>   log in
  /logout                        log out
  /users                         list users
  /select <username>             open a conversation
  /help                          show this help
  /quit                          exit
anything else is sent to the open conversation`

// chatService is what the terminal drives.
type chatService interface {
	Changes() <-chan struct{}
	CurrentUser() (models.User, bool)
	Login(ctx context.Context, username, password string) (models.User, error)
	Logout() error
	FetchRoster(ctx context.Context) ([]models.User, error)
	Roster() []models.User
	UserByName(name string) (models.User, bool)
	SelectPeer(ctx context.Context, peer uint) error
	ActivePeer() (uint, bool)
	Messages() []models.Message
	SendMessage(ctx context.Context, content string) (models.Message, error)
}

var errQuit = errors.New("quit")

// terminal is a line-oriented front end. It prints the open conversation
// incrementally as the service reports changes.
type terminal struct {
	svc    chatService
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	// printed maps a message key to the status it was last printed with.
	printed map[string]models.Status
	peer    uint
}

func newTerminal(svc chatService, in io.Reader, out io.Writer, logger *slog.Logger) *terminal {
	return &terminal{
		svc:     svc,
		in:      in,
		out:     out,
		logger:  logger.With(slog.String("component", "terminal")),
		printed: make(map[string]models.Status),
	}
}

// Run reads commands until /quit, end of input or ctx is cancelled.
func (t *terminal) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(t.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	t.prompt()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case <-t.svc.Changes():
			t.render()
		case line := <-lines:
			if err := t.handle(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}

				fmt.Fprintf(t.out, "error: %v\n", err)
			}

			t.render()
			t.prompt()
		}
	}
}

func (t *terminal) prompt() {
	if user, ok := t.svc.CurrentUser(); ok {
		fmt.Fprintf(t.out, "%s> ", user.Username)
		return
	}

	fmt.Fprint(t.out, "> ")
}

func (t *terminal) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "/") {
		_, err := t.svc.SendMessage(ctx, line)
		return err
	}

	fields := strings.Fields(line)

	switch fields[0] {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(t.out, helpText)
	case "/login":
		if len(fields) != 3 {
			return errors.New("usage: /login <username> <password>")
		}

		user, err := t.svc.Login(ctx, fields[1], fields[2])
		if err != nil {
			return err
		}

		t.resetView()
		fmt.Fprintf(t.out, "logged in as %s\n", user.Username)
	case "/logout":
		if err := t.svc.Logout(); err != nil {
			return err
		}

		t.resetView()
		fmt.Fprintln(t.out, "logged out")
	case "/users":
		users, err := t.svc.FetchRoster(ctx)
		if err != nil {
			return err
		}

		for _, u := range users {
			fmt.Fprintf(t.out, "  %s (%d)\n", u.Username, u.ID)
		}
	case "/select":
		if len(fields) != 2 {
			return errors.New("usage: /select <username>")
		}

		return t.selectPeer(ctx, fields[1])
	default:
		return fmt.Errorf("unknown command %s, try /help", fields[0])
	}

	return nil
}

func (t *terminal) selectPeer(ctx context.Context, name string) error {
	user, ok := t.svc.UserByName(name)
	if !ok {
		if _, err := t.svc.FetchRoster(ctx); err != nil {
			return err
		}

		if user, ok = t.svc.UserByName(name); !ok {
			return fmt.Errorf("user %q not found", name)
		}
	}

	if err := t.svc.SelectPeer(ctx, user.ID); err != nil {
		if errors.Is(err, chaterrors.ErrNetworkFailure) {
			t.logger.Warn("history fetch failed", slog.String("peer", name), slog.String("error", err.Error()))
		}

		return err
	}

	fmt.Fprintf(t.out, "-- %s --\n", user.Username)

	return nil
}

func (t *terminal) resetView() {
	t.printed = make(map[string]models.Status)
	t.peer = 0
}

// render prints messages of the open conversation that are new or whose
// status changed since they were last printed.
func (t *terminal) render() {
	peer, ok := t.svc.ActivePeer()
	if !ok {
		return
	}

	if peer != t.peer {
		t.printed = make(map[string]models.Status)
		t.peer = peer
	}

	me, _ := t.svc.CurrentUser()

	for _, m := range t.svc.Messages() {
		key := messageKey(m)
		if status, seen := t.printed[key]; seen && status == m.Status {
			continue
		}

		t.printed[key] = m.Status
		fmt.Fprintln(t.out, t.format(m, me))
	}
}

func (t *terminal) format(m models.Message, me models.User) string {
	from := t.nameOf(m.SenderID)
	if m.SenderID == me.ID {
		from = "you"
	}

	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), from, m.Content)

	switch m.Status {
	case models.StatusPending:
		line += " (sending)"
	case models.StatusFailed:
		line += " (not sent)"
	}

	return line
}

func (t *terminal) nameOf(id uint) string {
	for _, u := range t.svc.Roster() {
		if u.ID == id {
			return u.Username
		}
	}

	return "user " + strconv.FormatUint(uint64(id), 10)
}

// messageKey identifies a message across status changes. A confirmed
// optimistic message keeps its local ID.
func messageKey(m models.Message) string {
	if m.LocalID != "" {
		return "local:" + m.LocalID
	}

	return "id:" + strconv.FormatUint(uint64(m.ID), 10)
}
