package api

import (
	"net/http"
	"time"
)

// TokenSource yields the current authorization token, or "" when there is
// none.
type TokenSource interface {
	Token() string
}

// AuthTransport decorates every outbound request with the current token
// as the Authorization header value, verbatim. Requests made with no token
// carry no Authorization header at all. A header already set on the
// request wins.
type AuthTransport struct {
	Base   http.RoundTripper
	Tokens TokenSource
}

// RoundTrip implements http.RoundTripper.
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	if req.Header.Get("Authorization") != "" || t.Tokens == nil {
		return base.RoundTrip(req)
	}

	token := t.Tokens.Token()
	if token == "" {
		return base.RoundTrip(req)
	}

	// RoundTrippers must not modify the caller's request.
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", token)

	return base.RoundTrip(r)
}

// NewAuthClient returns an http.Client whose requests carry the token from
// tokens.
func NewAuthClient(tokens TokenSource, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &AuthTransport{Tokens: tokens},
		Timeout:   timeout,
	}
}
