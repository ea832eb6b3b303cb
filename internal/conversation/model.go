// Package conversation holds the in-memory chat state: the roster, the
// active peer, and one ordered message log per peer. It reconciles the
// history fetched over REST with messages pushed over the live channel so
// that no message is duplicated or reordered.
package conversation

import (
	"fmt"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/google/uuid"
)

// conversation is the log for one peer. Entries are only ever appended,
// except when history is installed as the log's prefix.
type conversation struct {
	peer     uint
	id       uint
	loaded   bool
	fetching bool
	log      []models.Message
	keys     map[string]struct{}
}

func (c *conversation) has(m models.Message) bool {
	_, ok := c.keys[dedupKey(m)]
	return ok
}

func (c *conversation) append(m models.Message) {
	c.log = append(c.log, m)
	c.keys[dedupKey(m)] = struct{}{}
}

func (c *conversation) indexLocal(localID string) int {
	for i := range c.log {
		if c.log[i].LocalID == localID {
			return i
		}
	}

	return -1
}

// claimOptimistic finds the oldest unconfirmed local send from sender
// with the given content. Failed sends never reached the server and
// cannot be confirmed.
func (c *conversation) claimOptimistic(sender uint, content string) int {
	for i := range c.log {
		m := c.log[i]
		if !confirmable(m) {
			continue
		}

		if m.SenderID == sender && sameContent(m.Content, content) {
			return i
		}
	}

	return -1
}

// Model is the single writer for roster, selection and message logs.
// All methods are safe for concurrent use.
type Model struct {
	mu       sync.Mutex
	roster   []models.User
	active   uint
	convs    map[uint]*conversation
	byConvID map[uint]uint

	// gen changes on Reset so completions of fetches started before a
	// logout are discarded.
	gen uint64
}

// New returns an empty model.
func New() *Model {
	return &Model{
		convs:    make(map[uint]*conversation),
		byConvID: make(map[uint]uint),
	}
}

// ensure returns the conversation for peer, creating it on first use.
func (m *Model) ensure(peer uint) *conversation {
	c, ok := m.convs[peer]
	if !ok {
		c = &conversation{peer: peer, keys: make(map[string]struct{})}
		m.convs[peer] = c
	}

	return c
}

// InstallRoster replaces the roster with one fetched at gen. It reports
// false, leaving the roster alone, if the model was reset in the meantime.
func (m *Model) InstallRoster(gen uint64, users []models.User) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return false
	}

	m.roster = append([]models.User(nil), users...)

	return true
}

// Roster returns a copy of the roster in server order.
func (m *Model) Roster() []models.User {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]models.User(nil), m.roster...)
}

// UserByName looks up a roster entry by username.
func (m *Model) UserByName(name string) (models.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.roster {
		if u.Username == name {
			return u, true
		}
	}

	return models.User{}, false
}

// SetActive makes peer the active conversation, creating its log.
func (m *Model) SetActive(peer uint) error {
	if peer == 0 {
		return chaterrors.ErrNoPeer
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensure(peer)
	m.active = peer

	return nil
}

// Active returns the active peer.
func (m *Model) Active() (uint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.active, m.active != 0
}

// Generation identifies the model's current session. It changes on Reset.
func (m *Model) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.gen
}

// BeginFetch claims the initial history fetch for peer. It reports false
// if the history is already loaded or a fetch is in flight. On true the
// caller must finish with InstallHistory or AbortFetch, passing gen.
func (m *Model) BeginFetch(peer uint) (gen uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.ensure(peer)
	if c.loaded || c.fetching {
		return 0, false
	}

	c.fetching = true

	return m.gen, true
}

// BeginRefresh claims a refetch of peer's history whether or not it is
// loaded. It reports false only if a fetch is already in flight.
func (m *Model) BeginRefresh(peer uint) (gen uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.ensure(peer)
	if c.fetching {
		return 0, false
	}

	c.fetching = true

	return m.gen, true
}

// AbortFetch releases a fetch claimed with BeginFetch. An unloaded peer
// stays unloaded so a later selection retries.
func (m *Model) AbortFetch(peer uint, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return
	}

	if c, ok := m.convs[peer]; ok {
		c.fetching = false
	}
}

// InstallHistory merges fetched history into peer's log. The history
// becomes the prefix; entries already in the log that the history does
// not cover follow in their existing order. An optimistic send is covered
// by the first unclaimed history entry with the same sender and content.
// It reports false if gen is stale and the history was discarded.
func (m *Model) InstallHistory(peer uint, gen uint64, conv models.Conversation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return false
	}

	c := m.ensure(peer)
	c.fetching = false

	merged := make([]models.Message, 0, len(conv.Messages)+len(c.log))
	keys := make(map[string]struct{}, cap(merged))
	byID := make(map[uint]int, len(conv.Messages))

	for _, msg := range conv.Messages {
		msg.Status = models.StatusReceived
		if msg.ConversationID == 0 {
			msg.ConversationID = conv.ID
		}

		k := dedupKey(msg)
		if _, dup := keys[k]; dup {
			continue
		}

		keys[k] = struct{}{}
		if msg.ID != 0 {
			byID[msg.ID] = len(merged)
		}

		merged = append(merged, msg)
	}

	claimed := make([]bool, len(merged))

	// Entries the history already carries by ID.
	for _, e := range c.log {
		if e.ID == 0 {
			continue
		}

		if i, ok := byID[e.ID]; ok {
			claimed[i] = true
			merged[i].LocalID = e.LocalID

			if e.LocalID != "" {
				merged[i].Status = models.StatusSent
			}
		}
	}

	for _, e := range c.log {
		if e.ID != 0 {
			if _, ok := byID[e.ID]; ok {
				continue
			}
		}

		if confirmable(e) {
			if i := claimHistory(merged, claimed, e); i >= 0 {
				claimed[i] = true
				merged[i].LocalID = e.LocalID
				merged[i].Status = models.StatusSent

				continue
			}
		}

		k := dedupKey(e)
		if _, dup := keys[k]; dup {
			continue
		}

		keys[k] = struct{}{}
		merged = append(merged, e)
	}

	// Local IDs stay addressable after confirmation.
	for _, msg := range merged {
		if msg.LocalID != "" {
			keys["local:"+msg.LocalID] = struct{}{}
		}
	}

	c.log = merged
	c.keys = keys
	c.loaded = true

	if conv.ID != 0 {
		c.id = conv.ID
		m.byConvID[conv.ID] = peer
	}

	return true
}

// confirmable reports whether m is an optimistic send that a server copy
// may confirm.
func confirmable(m models.Message) bool {
	return m.ID == 0 && m.LocalID != "" && m.Status != models.StatusFailed
}

// claimHistory finds the first unclaimed history entry that confirms the
// optimistic entry e. Only the history prefix is searched.
func claimHistory(merged []models.Message, claimed []bool, e models.Message) int {
	for i := range claimed {
		if claimed[i] {
			continue
		}

		h := merged[i]
		if h.SenderID == e.SenderID && sameContent(h.Content, e.Content) {
			return i
		}
	}

	return -1
}

// LoadedPeers returns the peers whose history has been installed.
func (m *Model) LoadedPeers() []uint {
	m.mu.Lock()
	defer m.mu.Unlock()

	peers := make([]uint, 0, len(m.convs))
	for peer, c := range m.convs {
		if c.loaded {
			peers = append(peers, peer)
		}
	}

	return peers
}

// ConversationID returns the server conversation ID for peer.
func (m *Model) ConversationID(peer uint) (uint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convs[peer]
	if !ok || c.id == 0 {
		return 0, false
	}

	return c.id, true
}

// AppendOutbound appends a pending message from self to the active peer
// and returns it along with the peer. It fails if there is no user, no
// active peer, or the active conversation has no server ID yet.
func (m *Model) AppendOutbound(self uint, content string, now time.Time) (uint, models.Message, error) {
	if self == 0 {
		return 0, models.Message{}, chaterrors.ErrNoSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == 0 {
		return 0, models.Message{}, chaterrors.ErrNoPeer
	}

	c := m.ensure(m.active)
	if c.id == 0 {
		return 0, models.Message{}, chaterrors.ErrNoConversation
	}

	msg := models.Message{
		CreatedAt:      now,
		Content:        content,
		ConversationID: c.id,
		SenderID:       self,
		LocalID:        uuid.NewString(),
		Status:         models.StatusPending,
	}

	c.append(msg)

	return c.peer, msg, nil
}

// MarkSent records that the optimistic message was written to the live
// channel. It reports whether the message was found.
func (m *Model) MarkSent(peer uint, localID string) bool {
	return m.setStatus(peer, localID, models.StatusSent)
}

// MarkFailed records that the optimistic message could not be written.
// A message the server already confirmed is left alone.
func (m *Model) MarkFailed(peer uint, localID string) bool {
	return m.setStatus(peer, localID, models.StatusFailed)
}

func (m *Model) setStatus(peer uint, localID string, status models.Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convs[peer]
	if !ok {
		return false
	}

	i := c.indexLocal(localID)
	if i < 0 {
		return false
	}

	if c.log[i].Status == models.StatusPending {
		c.log[i].Status = status
	}

	return true
}

// DeliverInbound stores a live message in the conversation of its
// counterpart: the sender when someone else sent it, otherwise the peer
// that owns its conversation ID. Conversations that are not active still
// collect messages. It returns the peer and whether the log changed;
// duplicates leave it unchanged.
func (m *Model) DeliverInbound(self uint, msg models.Message) (uint, bool, error) {
	if self == 0 {
		return 0, false, chaterrors.ErrNoSession
	}

	if msg.SenderID == 0 {
		return 0, false, fmt.Errorf("message without sender: %w", chaterrors.ErrProtocol)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	peer := msg.SenderID
	if peer == self {
		owner, ok := m.byConvID[msg.ConversationID]
		if !ok {
			return 0, false, fmt.Errorf("own message for conversation %d: %w", msg.ConversationID, chaterrors.ErrNoConversation)
		}

		peer = owner
	}

	c := m.ensure(peer)

	if c.id == 0 && msg.ConversationID != 0 {
		c.id = msg.ConversationID
		m.byConvID[msg.ConversationID] = peer
	}

	if c.has(msg) {
		return peer, false, nil
	}

	// Our own message coming back confirms the optimistic copy.
	if msg.SenderID == self && msg.ID != 0 {
		if i := c.claimOptimistic(self, msg.Content); i >= 0 {
			c.log[i].ID = msg.ID
			c.log[i].CreatedAt = msg.CreatedAt
			c.log[i].Status = models.StatusSent
			c.keys[dedupKey(c.log[i])] = struct{}{}

			return peer, true, nil
		}
	}

	msg.LocalID = ""
	msg.Status = models.StatusReceived
	c.append(msg)

	return peer, true, nil
}

// Messages returns a copy of the active peer's log.
func (m *Model) Messages() []models.Message {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	if active == 0 {
		return nil
	}

	return m.MessagesFor(active)
}

// MessagesFor returns a copy of peer's log in stored order.
func (m *Model) MessagesFor(peer uint) []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convs[peer]
	if !ok {
		return nil
	}

	return append([]models.Message(nil), c.log...)
}

// Reset drops all state, as on logout. Fetches begun before the reset
// are discarded when they complete.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.roster = nil
	m.active = 0
	m.convs = make(map[uint]*conversation)
	m.byConvID = make(map[uint]uint)
	m.gen++
}
