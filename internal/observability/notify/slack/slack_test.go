package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/dispatchd/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestFormatMessageIncludesFields(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
		Channel:    "#delivery",
		Username:   "bot",
	})
	require.NoError(t, err)

	msg := client.formatMessage(notify.FailurePayload{
		Kind:       notify.KindMessageErrored,
		JobID:      "job-1",
		JobType:    "message_batch_deliver",
		PathType:   "email",
		MessageIDs: []string{"m-1", "m-2"},
		Error:      "550 <user> unknown",
		ErrorClass: "textproto_error",
		Metadata:   map[string]string{"retry_count": "3"},
		OccurredAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	assert.Equal(t, "bot", msg["username"])
	assert.Equal(t, "#delivery", msg["channel"])
	text, ok := msg["text"].(string)
	require.True(t, ok)
	for _, want := range []string{
		"Message delivery errored", "`job-1`", "message_batch_deliver", "email",
		"`m-1`, `m-2`", "textproto_error", "550 &lt;user&gt; unknown", "retry_count: 3",
		"2025-01-01T00:00:00Z",
	} {
		assert.Contains(t, text, want)
	}
}

func TestFormatMessageIDsCapsList(t *testing.T) {
	ids := make([]string, maxListedMessages+3)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%d", i)
	}
	out := formatMessageIDs(ids)
	assert.Contains(t, out, "and 3 more")
	assert.NotContains(t, out, fmt.Sprintf("m%d", maxListedMessages))
	assert.Empty(t, formatMessageIDs(nil))
}

func TestSendFailureRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("try later"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL, RetryLimit: 1})
	require.NoError(t, err)
	require.NoError(t, client.SendFailure(context.Background(), notify.FailurePayload{JobID: "j"}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestSendFailureReturnsLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("invalid_token"))
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL})
	require.NoError(t, err)
	err = client.SendFailure(context.Background(), notify.FailurePayload{})
	require.ErrorContains(t, err, "invalid_token")
}
