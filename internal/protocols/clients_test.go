package protocols

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Array", "array01")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Post("/api/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = fmt.Fprintf(w, "%s|%s", r.Header.Get("X-Token"), body)
	})
	r.Get("/api/secure", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("granted"))
	})
	r.Get("/api/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClientDo(t *testing.T) {
	srv := newTestServer(t)
	client := NewHTTPClient(zerolog.Nop())
	cfg := &HTTPConfig{}
	ctx := context.Background()

	t.Run("body", func(t *testing.T) {
		out, err := client.Do(ctx, "ignored", cfg, HTTPRequest{URL: srv.URL + "/api/status"})
		require.NoError(t, err)
		assert.Equal(t, `{"status":"ok"}`, out)
	})

	t.Run("post with header", func(t *testing.T) {
		out, err := client.Do(ctx, "ignored", cfg, HTTPRequest{
			Method: "post",
			URL:    srv.URL + "/api/echo",
			Header: "X-Token: abc\r\nmalformed\n",
			Body:   "payload",
		})
		require.NoError(t, err)
		assert.Equal(t, "abc|payload", out)
	})

	t.Run("status only", func(t *testing.T) {
		out, err := client.Do(ctx, "ignored", cfg, HTTPRequest{URL: srv.URL + "/api/broken", ResultContent: "http_status"})
		require.NoError(t, err)
		assert.Equal(t, "500", out)
	})

	t.Run("header", func(t *testing.T) {
		out, err := client.Do(ctx, "ignored", cfg, HTTPRequest{URL: srv.URL + "/api/status", ResultContent: "header"})
		require.NoError(t, err)
		assert.Contains(t, out, "X-Array: array01\n")
	})

	t.Run("server error", func(t *testing.T) {
		_, err := client.Do(ctx, "ignored", cfg, HTTPRequest{URL: srv.URL + "/api/broken"})
		assert.Error(t, err)
	})

	t.Run("authentication", func(t *testing.T) {
		_, err := client.Do(ctx, "ignored", cfg, HTTPRequest{URL: srv.URL + "/api/secure"})
		assert.ErrorIs(t, err, ErrAuthentication)

		out, err := client.Do(ctx, "ignored", &HTTPConfig{Username: "admin", Password: "secret"}, HTTPRequest{URL: srv.URL + "/api/secure"})
		require.NoError(t, err)
		assert.Equal(t, "granted", out)
	})

	t.Run("not configured", func(t *testing.T) {
		_, err := client.Do(ctx, "ignored", nil, HTTPRequest{URL: "/"})
		assert.ErrorIs(t, err, ErrProtocolNotConfigured)
	})
}

func TestResolveURL(t *testing.T) {
	assert.Equal(t, "https://array01:8443/api/v1", resolveURL("array01", &HTTPConfig{HTTPS: true, Port: 8443}, "api/v1"))
	assert.Equal(t, "http://array01:80/x", resolveURL("array01", &HTTPConfig{}, "/x"))
	assert.Equal(t, "http://other/x", resolveURL("array01", &HTTPConfig{}, "http://other/x"))
}

func TestCommandRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell syntax differs on Windows")
	}
	runner := NewCommandRunner(zerolog.Nop())
	ctx := context.Background()

	out, err := runner.Run(ctx, "echo hello", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	out, err = runner.Run(ctx, "echo partial; exit 3", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "partial\n", out)

	_, err = runner.Run(ctx, "exit 2", time.Second)
	assert.Error(t, err)

	_, err = runner.Run(ctx, "sleep 5", 100*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
