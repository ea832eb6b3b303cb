package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/coder/websocket"
)

// fakeBackend mimics the messaging server: token auth, a user list, one
// conversation per pair of users, and a live channel that relays messages
// to the other participant.
type fakeBackend struct {
	mu        sync.Mutex
	users     []models.User
	passwords map[string]string
	tokens    map[string]uint
	convs     map[[2]uint]*models.Conversation
	nextConv  uint
	nextMsg   uint
	fetches   map[[2]uint]int
	live      map[uint]*websocket.Conn
	received  []models.OutboundMessage

	// gate, when set, holds conversation requests until it is closed.
	// Each held request first signals on entered.
	gate    chan struct{}
	entered chan [2]uint
}

func newFakeBackend(names ...string) *fakeBackend {
	b := &fakeBackend{
		passwords: make(map[string]string),
		tokens:    make(map[string]uint),
		convs:     make(map[[2]uint]*models.Conversation),
		nextConv:  100,
		nextMsg:   1000,
		fetches:   make(map[[2]uint]int),
		live:      make(map[uint]*websocket.Conn),
	}

	for i, name := range names {
		b.users = append(b.users, models.User{ID: uint(i + 1), Username: name})
		b.passwords[name] = name + "-pw"
	}

	return b
}

func (b *fakeBackend) user(name string) models.User {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, u := range b.users {
		if u.Username == name {
			return u
		}
	}

	panic("unknown user " + name)
}

func pairKey(a, c uint) [2]uint {
	if a > c {
		a, c = c, a
	}

	return [2]uint{a, c}
}

// conversationLocked returns the conversation between two users, creating
// it like the real server does on first access.
func (b *fakeBackend) conversationLocked(a, c uint) *models.Conversation {
	k := pairKey(a, c)

	conv, ok := b.convs[k]
	if !ok {
		b.nextConv++
		conv = &models.Conversation{ID: b.nextConv, Messages: []models.Message{}}
		b.convs[k] = conv
	}

	return conv
}

// store persists a message between two users and returns it.
func (b *fakeBackend) store(from, to uint, content string) models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.storeLocked(from, to, content)
}

func (b *fakeBackend) storeLocked(from, to uint, content string) models.Message {
	conv := b.conversationLocked(from, to)
	b.nextMsg++

	msg := models.Message{
		ID:             b.nextMsg,
		CreatedAt:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(b.nextMsg) * time.Second),
		Content:        content,
		ConversationID: conv.ID,
		SenderID:       from,
	}
	conv.Messages = append(conv.Messages, msg)

	return msg
}

// holdConversations makes conversation requests wait until release is
// called. Each held request is announced on entered.
func (b *fakeBackend) holdConversations() (entered <-chan [2]uint, release func()) {
	gate := make(chan struct{})
	ch := make(chan [2]uint, 16)

	b.mu.Lock()
	b.gate = gate
	b.entered = ch
	b.mu.Unlock()

	var once sync.Once

	return ch, func() { once.Do(func() { close(gate) }) }
}

func (b *fakeBackend) fetchCount(user, peer uint) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.fetches[[2]uint{user, peer}]
}

func (b *fakeBackend) receivedFrames() []models.OutboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]models.OutboundMessage(nil), b.received...)
}

func (b *fakeBackend) connected(user uint) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.live[user]

	return ok
}

// push stores a message from one user and relays it to the recipient's
// live connection, if any.
func (b *fakeBackend) push(ctx context.Context, from, to uint, content string) (models.Message, error) {
	b.mu.Lock()
	msg := b.storeLocked(from, to, content)
	conn := b.live[to]
	b.mu.Unlock()

	if conn == nil {
		return msg, nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return msg, err
	}

	return msg, conn.Write(ctx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *fakeBackend) authUser(r *http.Request) (uint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.tokens[r.Header.Get("Authorization")]

	return id, ok
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", func(w http.ResponseWriter, r *http.Request) {
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}

		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
			return
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		if pw, ok := b.passwords[creds.Username]; !ok || pw != creds.Password {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid credentials"})
			return
		}

		for _, u := range b.users {
			if u.Username == creds.Username {
				token := fmt.Sprintf("token-%s-%d", u.Username, len(b.tokens))
				b.tokens[token] = u.ID
				// The reference backend answers with the token only.
				writeJSON(w, http.StatusOK, map[string]string{"token": token})

				return
			}
		}
	})

	mux.HandleFunc("GET /api/validate-token", func(w http.ResponseWriter, r *http.Request) {
		id, ok := b.authUser(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
			return
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]any{"user": b.users[id-1]})
	})

	mux.HandleFunc("GET /api/users", func(w http.ResponseWriter, r *http.Request) {
		id, ok := b.authUser(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
			return
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		others := []models.User{}
		for _, u := range b.users {
			if u.ID != id {
				others = append(others, u)
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{"users": others})
	})

	mux.HandleFunc("GET /api/conversation/{userID}/{peerID}", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := b.authUser(r); !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
			return
		}

		userID, err1 := strconv.ParseUint(r.PathValue("userID"), 10, 64)
		peerID, err2 := strconv.ParseUint(r.PathValue("peerID"), 10, 64)

		if err1 != nil || err2 != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad ids"})
			return
		}

		key := [2]uint{uint(userID), uint(peerID)}

		b.mu.Lock()
		b.fetches[key]++
		gate, entered := b.gate, b.entered
		b.mu.Unlock()

		if gate != nil {
			if entered != nil {
				entered <- key
			}

			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}

		b.mu.Lock()
		conv := b.conversationLocked(uint(userID), uint(peerID))
		snapshot := models.Conversation{ID: conv.ID, Messages: append([]models.Message{}, conv.Messages...)}
		b.mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]any{"conversation": snapshot})
	})

	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		id, ok := b.tokens[r.URL.Query().Get("token")]
		b.mu.Unlock()

		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		b.mu.Lock()
		b.live[id] = conn
		b.mu.Unlock()

		defer func() {
			b.mu.Lock()
			if b.live[id] == conn {
				delete(b.live, id)
			}
			b.mu.Unlock()
		}()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}

			var frame models.OutboundMessage
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}

			b.mu.Lock()
			b.received = append(b.received, frame)
			b.mu.Unlock()
		}
	})

	return mux
}
