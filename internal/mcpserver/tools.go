// Package mcpserver registers MCP tools that expose the chat client.
// It adapts the chat service to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultReadLimit caps chat_read_messages when no limit is given.
const defaultReadLimit = 50

// Chat is the subset of the chat service the tools use.
type Chat interface {
	CurrentUser() (models.User, bool)
	FetchRoster(ctx context.Context) ([]models.User, error)
	Roster() []models.User
	UserByName(name string) (models.User, bool)
	SelectPeer(ctx context.Context, peer uint) error
	ActivePeer() (uint, bool)
	MessagesFor(peer uint) []models.Message
	ConversationID(peer uint) (uint, bool)
	SendMessage(ctx context.Context, content string) (models.Message, error)
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, c Chat) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_users",
		Description: "List the users you can message. Refreshes the roster from the server.",
	}, listUsersHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_select_peer",
		Description: "Open the conversation with a user, loading its history the first time. Later sends go to this user.",
	}, selectPeerHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_read_messages",
		Description: "Read the most recent messages of a conversation, oldest first. Defaults to the open conversation; naming a user opens theirs.",
	}, readMessagesHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send_message",
		Description: "Send a message to the open conversation, or to the given user after opening their conversation.",
	}, sendMessageHandler(c))
}

// --- Input types ---

// ListUsersInput has no parameters.
type ListUsersInput struct{}

// SelectPeerInput holds parameters for chat_select_peer.
type SelectPeerInput struct {
	User string `json:"user" jsonschema:"required,username or numeric user ID"`
}

// ReadMessagesInput holds parameters for chat_read_messages.
type ReadMessagesInput struct {
	User  string `json:"user,omitempty" jsonschema:"username or numeric user ID, opens that conversation"`
	Limit int    `json:"limit,omitempty" jsonschema:"number of most recent messages to return, defaults to 50"`
}

// SendMessageInput holds parameters for chat_send_message.
type SendMessageInput struct {
	Content string `json:"content" jsonschema:"required,message text"`
	User    string `json:"user,omitempty" jsonschema:"username or numeric user ID, defaults to the open conversation"`
}

// --- Output types ---

// UserEntry is a roster entry.
type UserEntry struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

// MessageEntry is a message as shown to the model.
type MessageEntry struct {
	ID        uint      `json:"id,omitempty"`
	LocalID   string    `json:"local_id,omitempty"`
	From      string    `json:"from"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}

// ListUsersResult is returned by chat_list_users.
type ListUsersResult struct {
	Me    UserEntry   `json:"me"`
	Users []UserEntry `json:"users"`
	Total int         `json:"total"`
}

// SelectPeerResult is returned by chat_select_peer.
type SelectPeerResult struct {
	Peer           UserEntry `json:"peer"`
	ConversationID uint      `json:"conversation_id,omitempty"`
	Messages       int       `json:"messages"`
}

// ReadMessagesResult is returned by chat_read_messages.
type ReadMessagesResult struct {
	Peer     UserEntry      `json:"peer"`
	Messages []MessageEntry `json:"messages"`
	Total    int            `json:"total"`
}

// SendMessageResult is returned by chat_send_message.
type SendMessageResult struct {
	Peer    UserEntry    `json:"peer"`
	Message MessageEntry `json:"message"`
}

// --- Handlers ---

func listUsersHandler(c Chat) mcp.ToolHandlerFor[ListUsersInput, *ListUsersResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ListUsersInput) (*mcp.CallToolResult, *ListUsersResult, error) {
		me, ok := c.CurrentUser()
		if !ok {
			return nil, nil, chaterrors.ErrNoSession
		}

		users, err := c.FetchRoster(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &ListUsersResult{Me: userEntry(me), Users: make([]UserEntry, 0, len(users)), Total: len(users)}
		for _, u := range users {
			result.Users = append(result.Users, userEntry(u))
		}

		return textResult(result), result, nil
	}
}

func selectPeerHandler(c Chat) mcp.ToolHandlerFor[SelectPeerInput, *SelectPeerResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SelectPeerInput) (*mcp.CallToolResult, *SelectPeerResult, error) {
		peer, err := resolveUser(ctx, c, input.User)
		if err != nil {
			return nil, nil, err
		}

		if err := c.SelectPeer(ctx, peer.ID); err != nil {
			return nil, nil, err
		}

		result := &SelectPeerResult{Peer: userEntry(peer), Messages: len(c.MessagesFor(peer.ID))}
		if id, ok := c.ConversationID(peer.ID); ok {
			result.ConversationID = id
		}

		return textResult(result), result, nil
	}
}

func readMessagesHandler(c Chat) mcp.ToolHandlerFor[ReadMessagesInput, *ReadMessagesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ReadMessagesInput) (*mcp.CallToolResult, *ReadMessagesResult, error) {
		me, ok := c.CurrentUser()
		if !ok {
			return nil, nil, chaterrors.ErrNoSession
		}

		peer, err := peerOrActive(ctx, c, input.User)
		if err != nil {
			return nil, nil, err
		}

		if input.User != "" {
			if err := c.SelectPeer(ctx, peer.ID); err != nil {
				return nil, nil, err
			}
		}

		msgs := c.MessagesFor(peer.ID)

		limit := input.Limit
		if limit <= 0 {
			limit = defaultReadLimit
		}

		total := len(msgs)
		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}

		result := &ReadMessagesResult{Peer: userEntry(peer), Messages: make([]MessageEntry, 0, len(msgs)), Total: total}
		for _, m := range msgs {
			result.Messages = append(result.Messages, messageEntry(m, me, peer))
		}

		return textResult(result), result, nil
	}
}

func sendMessageHandler(c Chat) mcp.ToolHandlerFor[SendMessageInput, *SendMessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendMessageInput) (*mcp.CallToolResult, *SendMessageResult, error) {
		me, ok := c.CurrentUser()
		if !ok {
			return nil, nil, chaterrors.ErrNoSession
		}

		var peer models.User

		if input.User != "" {
			p, err := resolveUser(ctx, c, input.User)
			if err != nil {
				return nil, nil, err
			}

			if err := c.SelectPeer(ctx, p.ID); err != nil {
				return nil, nil, err
			}

			peer = p
		} else {
			p, err := peerOrActive(ctx, c, "")
			if err != nil {
				return nil, nil, err
			}

			peer = p
		}

		msg, err := c.SendMessage(ctx, input.Content)
		if err != nil {
			return nil, nil, err
		}

		result := &SendMessageResult{Peer: userEntry(peer), Message: messageEntry(msg, me, peer)}

		return textResult(result), result, nil
	}
}

// resolveUser finds a user by username or numeric ID, refreshing the
// roster once if the name is not known yet.
func resolveUser(ctx context.Context, c Chat, ref string) (models.User, error) {
	if ref == "" {
		return models.User{}, chaterrors.ErrNoPeer
	}

	if u, ok := lookupUser(c, ref); ok {
		return u, nil
	}

	if _, err := c.FetchRoster(ctx); err != nil {
		return models.User{}, err
	}

	if u, ok := lookupUser(c, ref); ok {
		return u, nil
	}

	return models.User{}, fmt.Errorf("user %q not found", ref)
}

func lookupUser(c Chat, ref string) (models.User, bool) {
	if u, ok := c.UserByName(ref); ok {
		return u, true
	}

	id, err := strconv.ParseUint(ref, 10, 64)
	if err != nil {
		return models.User{}, false
	}

	for _, u := range c.Roster() {
		if uint64(u.ID) == id {
			return u, true
		}
	}

	return models.User{}, false
}

// peerOrActive resolves ref, or the open conversation's peer when ref is
// empty.
func peerOrActive(ctx context.Context, c Chat, ref string) (models.User, error) {
	if ref != "" {
		return resolveUser(ctx, c, ref)
	}

	id, ok := c.ActivePeer()
	if !ok {
		return models.User{}, chaterrors.ErrNoPeer
	}

	for _, u := range c.Roster() {
		if u.ID == id {
			return u, nil
		}
	}

	return models.User{ID: id, Username: strconv.FormatUint(uint64(id), 10)}, nil
}

func userEntry(u models.User) UserEntry {
	return UserEntry{ID: u.ID, Username: u.Username}
}

func messageEntry(m models.Message, me, peer models.User) MessageEntry {
	from := peer.Username
	if m.SenderID == me.ID {
		from = me.Username
	}

	return MessageEntry{
		ID:        m.ID,
		LocalID:   m.LocalID,
		From:      from,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Status:    string(m.Status),
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
