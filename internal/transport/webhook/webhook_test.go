package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/dispatchd/internal/domain/model"
	"github.com/target/dispatchd/internal/transport"
)

func hookMessage(target string) *model.Message {
	return &model.Message{
		ID:         "0b8c7d1e-2a7e-4f3e-8c1d-5a9a6f1e0001",
		PathType:   model.PathTypeWebhook,
		Recipient:  target,
		Subject:    "deploy",
		Body:       "build 42 finished",
		DispatchAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSend_PostsMessageDocument(t *testing.T) {
	var got map[string]any
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr, err := New(Config{Headers: map[string]string{"X-Team": "ops"}}, Options{})
	require.NoError(t, err)

	require.NoError(t, tr.Send(context.Background(), hookMessage(srv.URL+"/hook")))
	assert.Equal(t, "build 42 finished", got["body"])
	assert.Equal(t, "2025-03-01T12:00:00Z", got["dispatch_at"])
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "ops", headers.Get("X-Team"))
	assert.Equal(t, "0b8c7d1e-2a7e-4f3e-8c1d-5a9a6f1e0001", headers.Get("Idempotency-Key"))
}

func TestSend_BodyExpression(t *testing.T) {
	var raw []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr, err := New(Config{BodyExpression: "{text: body, title: subject}"}, Options{})
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), hookMessage(srv.URL)))
	assert.JSONEq(t, `{"text":"build 42 finished","title":"deploy"}`, string(raw))
}

func TestNew_InvalidExpression(t *testing.T) {
	_, err := New(Config{BodyExpression: "{text: "}, Options{})
	require.ErrorContains(t, err, "invalid body expression")
}

func TestSend_StatusClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		okStatus   int
		wantErr    bool
		transient  bool
		hint       time.Duration
	}{
		{name: "2xx ok", status: http.StatusNoContent},
		{name: "explicit ok status mismatch", status: http.StatusOK, okStatus: http.StatusCreated, wantErr: true},
		{name: "429 transient with hint", status: http.StatusTooManyRequests, retryAfter: "120", wantErr: true, transient: true, hint: 2 * time.Minute},
		{name: "503 transient", status: http.StatusServiceUnavailable, wantErr: true, transient: true},
		{name: "400 permanent", status: http.StatusBadRequest, wantErr: true},
		{name: "404 permanent", status: http.StatusNotFound, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("upstream says no"))
			}))
			defer srv.Close()

			tr, err := New(Config{OkStatus: tt.okStatus}, Options{})
			require.NoError(t, err)
			err = tr.Send(context.Background(), hookMessage(srv.URL))
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "upstream says no")
			assert.Equal(t, tt.transient, transport.IsTransient(err))
			hint, ok := transport.RetryAfter(err)
			assert.Equal(t, tt.hint > 0, ok)
			assert.Equal(t, tt.hint, hint)
		})
	}
}

func TestSend_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tr, err := New(Config{Timeout: 50 * time.Millisecond}, Options{})
	require.NoError(t, err)
	err = tr.Send(context.Background(), hookMessage(srv.URL))
	require.Error(t, err)
	assert.True(t, transport.IsTransient(err))
}

func TestSend_InvalidRecipient(t *testing.T) {
	tr, err := New(Config{}, Options{})
	require.NoError(t, err)

	for _, target := range []string{"ftp://example.com/x", "not a url", "https://"} {
		err := tr.Send(context.Background(), hookMessage(target))
		require.Error(t, err, target)
		assert.False(t, transport.IsTransient(err), target)
	}
}

func TestSend_OAuth2ClientCredentials(t *testing.T) {
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	})
	var auth atomic.Value
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr, err := New(Config{OAuth2: OAuth2Config{
		TokenURL:     srv.URL + "/token",
		ClientID:     "dispatchd",
		ClientSecret: "s3cret",
	}}, Options{})
	require.NoError(t, err)

	require.NoError(t, tr.Send(context.Background(), hookMessage(srv.URL+"/hook")))
	require.NoError(t, tr.Send(context.Background(), hookMessage(srv.URL+"/hook")))
	assert.Equal(t, "Bearer tok-1", auth.Load())
	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestSend_OAuth2RejectedIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/token") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr, err := New(Config{OAuth2: OAuth2Config{TokenURL: srv.URL + "/token", ClientID: "x", ClientSecret: "y"}}, Options{})
	require.NoError(t, err)
	err = tr.Send(context.Background(), hookMessage(srv.URL+"/hook"))
	require.Error(t, err)
	assert.False(t, transport.IsTransient(err))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, time.Minute, parseRetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter("-5", now))
}

func TestReadResponseBody_Truncates(t *testing.T) {
	body, truncated, err := readResponseBody(strings.NewReader(strings.Repeat("x", maxResponseBodyBytes+10)))
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Len(t, body, maxResponseBodyBytes)
}
