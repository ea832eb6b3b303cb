package api

import "github.com/alexjbarnes/chat-sync/internal/models"

// Credentials is the payload for POST /api/login and POST /api/register.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned from POST /api/login. Some backends return
// only the token; User is nil in that case.
type LoginResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user,omitempty"`
}

// ValidateResponse is returned from GET /api/validate-token.
type ValidateResponse struct {
	User *models.User `json:"user"`
}

// UsersResponse is returned from GET /api/users.
type UsersResponse struct {
	Users []models.User `json:"users"`
}

// ConversationResponse is returned from GET /api/conversation/{a}/{b}.
type ConversationResponse struct {
	Conversation *models.Conversation `json:"conversation"`
}
