package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/config"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerServer(t *testing.T, status int) (*httptest.Server, *[]map[string]string) {
	t.Helper()

	var got []map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/register" {
			http.NotFound(w, r)
			return
		}

		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = append(got, body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)

		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":"Username already exists"}`))
			return
		}

		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	return srv, &got
}

func testConfig(t *testing.T, serverURL string) *config.Config {
	t.Helper()

	return &config.Config{
		ServerURL:      serverURL,
		StatePath:      filepath.Join(t.TempDir(), "state.db"),
		RequestTimeout: 5 * time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterAccount(t *testing.T) {
	srv, got := registerServer(t, http.StatusOK)
	cfg := testConfig(t, srv.URL)

	require.NoError(t, registerAccount(context.Background(), cfg, discardLogger(), "dave", "pw"))
	assert.Equal(t, []map[string]string{{"username": "dave", "password": "pw"}}, *got)
	assert.NoFileExists(t, cfg.StatePath)
}

func TestRegisterAccount_WhileStateLocked(t *testing.T) {
	srv, _ := registerServer(t, http.StatusOK)
	cfg := testConfig(t, srv.URL)

	// A running instance holds the state file.
	running, err := state.LoadAt(cfg.StatePath)
	require.NoError(t, err)
	defer running.Close()

	require.NoError(t, registerAccount(context.Background(), cfg, discardLogger(), "dave", "pw"))
}

func TestRegisterAccount_Rejected(t *testing.T) {
	srv, _ := registerServer(t, http.StatusBadRequest)
	cfg := testConfig(t, srv.URL)

	err := registerAccount(context.Background(), cfg, discardLogger(), "dave", "pw")
	require.Error(t, err)
	assert.ErrorIs(t, err, chaterrors.ErrNetworkFailure)
	assert.Contains(t, err.Error(), `registering "dave"`)
}
