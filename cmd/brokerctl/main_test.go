package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"brokerctl", "help"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), "Usage: brokerctl")
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"brokerctl", "bogus"}, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "Unknown command")
}

func TestRun_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	code := Run([]string{"brokerctl", "health", "--addr", srv.URL}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), "\"status\": \"ok\"")
}

func TestRun_AccountRequiresDID(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"brokerctl", "account"}, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "--did is required")
}

func TestRun_RotateKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/admin/keys/rotate", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"status": "rotated", "kid": "key-2"})
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	code := Run([]string{"brokerctl", "rotate-key", "--admin-addr", srv.URL}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), "rotated")
}
