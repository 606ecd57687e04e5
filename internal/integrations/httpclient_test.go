package integrations

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func TestJSONClient_PostJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewJSONClient(HTTPConfig{})
	resp, err := c.PostJSON(context.Background(), srv.URL, map[string]string{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "hi", got["text"])
	assert.Equal(t, map[string]any{"ok": true}, resp.Decoded())
}

func TestJSONClient_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid_payload"))
	}))
	defer srv.Close()

	c := NewJSONClient(HTTPConfig{})
	resp, err := c.PostJSON(context.Background(), srv.URL, map[string]string{})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.Status)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTransport))
	assert.Contains(t, err.Error(), "Status: 400. Data: invalid_payload")
}

func TestJSONClient_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewJSONClient(HTTPConfig{}).PostJSON(context.Background(), url, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTransport))
}

func TestJSONClient_DoHeadersAndMethod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		body, _ := io.ReadAll(r.Body)
		assert.Empty(t, body)
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	resp, err := NewJSONClient(HTTPConfig{}).Do(context.Background(), "get", srv.URL, nil, http.Header{"X-Token": {"secret"}})
	require.NoError(t, err)
	assert.Equal(t, "plain text", resp.Decoded())
}

func TestJSONClient_RateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := NewJSONClient(HTTPConfig{RatePerSecond: 0.001, Burst: 1})
	_, err := c.PostJSON(context.Background(), srv.URL, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.PostJSON(ctx, srv.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestStatusError_TruncatesBody(t *testing.T) {
	err := StatusError(500, []byte(strings.Repeat("x", 2000)))
	assert.Less(t, len(err.Message), 600)
	assert.Equal(t, 500, err.Details["status"])
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://api/enrich", joinURL("http://api/", "/enrich"))
	assert.Equal(t, "http://api/enrich", joinURL("http://api", "enrich"))
}
