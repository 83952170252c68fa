package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCommand_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	os.Setenv("SERVER_URL", server.URL)
	defer os.Unsetenv("SERVER_URL")

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out

	err := app.Run([]string{"txquery", "server", "health"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Server is healthy")
}

func TestHealthCommand_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	app := newApp()
	app.Writer = &bytes.Buffer{}

	err := app.Run([]string{"txquery", "--server-url", server.URL, "server", "health"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check failed")
}

func TestHealthCommand_Unreachable(t *testing.T) {
	app := newApp()
	app.Writer = &bytes.Buffer{}

	err := app.Run([]string{"txquery", "--server-url", "http://127.0.0.1:1", "server", "health"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check failed")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out

	require.NoError(t, app.Run([]string{"txquery", "server", "version"}))
	assert.Contains(t, out.String(), "txquery CLI")
	assert.Contains(t, out.String(), "Version: dev")
}

func TestSubscribeCommand_UnknownKind(t *testing.T) {
	app := newApp()
	app.Writer = &bytes.Buffer{}

	err := app.Run([]string{"txquery", "events", "subscribe", "wallets"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown query kind")
}
