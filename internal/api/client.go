package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/tidwall/gjson"
)

// Client talks to the messaging backend's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates an API client rooted at baseURL (scheme and host,
// without the /api prefix). If httpClient is nil, http.DefaultClient is
// used. Pass a client built with NewAuthClient so authorized calls carry
// the session token.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// StatusError is a non-2xx response from the backend. It unwraps to
// ErrAuthFailure for 401/403 and to ErrNetworkFailure otherwise.
type StatusError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API %s (%d): %s", e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("API %s returned status %d", e.Endpoint, e.Status)
}

func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return chaterrors.ErrAuthFailure
	}
	return chaterrors.ErrNetworkFailure
}

// do sends a request with an optional JSON body and decodes the response
// into result. A non-empty token overrides the credential that the
// transport would attach.
func (c *Client) do(ctx context.Context, method, endpoint, token string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w: %w", endpoint, chaterrors.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w: %w", endpoint, chaterrors.ErrNetworkFailure, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Message:  gjson.GetBytes(respBody, "error").String(),
		}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w: %w", endpoint, chaterrors.ErrProtocol, err)
		}
	}

	return nil
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/login", "", Credentials{Username: username, Password: password}, &resp); err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	if resp.Token == "" {
		return nil, fmt.Errorf("logging in: response has no token: %w", chaterrors.ErrProtocol)
	}

	return &resp, nil
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, username, password string) error {
	if err := c.do(ctx, http.MethodPost, "/api/register", "", Credentials{Username: username, Password: password}, nil); err != nil {
		return fmt.Errorf("registering: %w", err)
	}

	return nil
}

// ValidateToken returns the user the token belongs to. An empty token
// falls back to the transport's credential.
func (c *Client) ValidateToken(ctx context.Context, token string) (*models.User, error) {
	var resp ValidateResponse
	if err := c.do(ctx, http.MethodGet, "/api/validate-token", token, nil, &resp); err != nil {
		return nil, fmt.Errorf("validating token: %w", err)
	}

	if resp.User == nil || resp.User.ID == 0 {
		return nil, fmt.Errorf("validating token: response has no user: %w", chaterrors.ErrProtocol)
	}

	return resp.User, nil
}

// Users returns the roster: every user except the caller.
func (c *Client) Users(ctx context.Context) ([]models.User, error) {
	var resp UsersResponse
	if err := c.do(ctx, http.MethodGet, "/api/users", "", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	return resp.Users, nil
}

// Conversation returns the conversation between userID and peerID with its
// full message history. The server creates it if it does not exist yet.
func (c *Client) Conversation(ctx context.Context, userID, peerID uint) (*models.Conversation, error) {
	endpoint := "/api/conversation/" +
		url.PathEscape(strconv.FormatUint(uint64(userID), 10)) + "/" +
		url.PathEscape(strconv.FormatUint(uint64(peerID), 10))

	var resp ConversationResponse
	if err := c.do(ctx, http.MethodGet, endpoint, "", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching conversation: %w", err)
	}

	if resp.Conversation == nil || resp.Conversation.ID == 0 {
		return nil, fmt.Errorf("fetching conversation: response has no conversation: %w", chaterrors.ErrProtocol)
	}

	return resp.Conversation, nil
}
