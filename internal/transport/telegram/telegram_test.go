package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/dispatchd/internal/domain/model"
	"github.com/target/dispatchd/internal/transport"
)

type fakeAPI struct {
	status int
	reply  string
	got    map[string]any
	path   string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.path = r.URL.Path
	f.got = map[string]any{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(r.Body).Decode(&f.got)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.status)
	_, _ = w.Write([]byte(f.reply))
}

func newTransport(t *testing.T, api *fakeAPI) *Transport {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	tr, err := New(Config{Token: "123:abc", APIURL: srv.URL}, nil)
	require.NoError(t, err)
	return tr
}

func tgMessage(recipient string) *model.Message {
	return &model.Message{
		ID:        "9d5b1f7a-6c2e-4e1b-9a0f-2c3d4e5f0001",
		PathType:  model.PathTypeTelegram,
		Recipient: recipient,
		Subject:   "Build",
		Body:      "green",
	}
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(Config{}, nil)
	require.ErrorContains(t, err, "token is empty")
}

func TestSend_Success(t *testing.T) {
	api := &fakeAPI{
		status: http.StatusOK,
		reply:  `{"ok":true,"result":{"message_id":7,"date":1700000000,"chat":{"id":12345,"type":"private"},"text":"Build\n\ngreen"}}`,
	}
	tr := newTransport(t, api)

	require.NoError(t, tr.Send(context.Background(), tgMessage("12345")))
	assert.Equal(t, "/bot123:abc/sendMessage", api.path)
	assert.Equal(t, "12345", api.got["chat_id"])
	assert.Equal(t, "Build\n\ngreen", api.got["text"])
}

func TestSend_FloodIsTransient(t *testing.T) {
	api := &fakeAPI{
		status: http.StatusTooManyRequests,
		reply:  `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`,
	}
	tr := newTransport(t, api)

	err := tr.Send(context.Background(), tgMessage("12345"))
	require.Error(t, err)
	assert.True(t, transport.IsTransient(err))
}

func TestSend_ServerErrorIsTransient(t *testing.T) {
	api := &fakeAPI{
		status: http.StatusBadGateway,
		reply:  `{"ok":false,"error_code":502,"description":"Bad Gateway"}`,
	}
	tr := newTransport(t, api)

	err := tr.Send(context.Background(), tgMessage("12345"))
	require.Error(t, err)
	assert.True(t, transport.IsTransient(err))
}

func TestSend_ChatNotFoundIsPermanent(t *testing.T) {
	api := &fakeAPI{
		status: http.StatusBadRequest,
		reply:  `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
	}
	tr := newTransport(t, api)

	err := tr.Send(context.Background(), tgMessage("12345"))
	require.Error(t, err)
	assert.False(t, transport.IsTransient(err))
}

func TestSend_RejectsBadInput(t *testing.T) {
	tr := newTransport(t, &fakeAPI{status: http.StatusOK, reply: `{"ok":true}`})

	for _, r := range []string{"", "alice", "@", "12a"} {
		err := tr.Send(context.Background(), tgMessage(r))
		require.Error(t, err, r)
		assert.False(t, transport.IsTransient(err), r)
	}

	long := tgMessage("12345")
	long.Body = strings.Repeat("x", maxTextRunes)
	err := tr.Send(context.Background(), long)
	require.ErrorContains(t, err, "limit is")
}

func TestParseChat(t *testing.T) {
	for _, ok := range []string{"12345", "-1001234567890", "@release_notes"} {
		c, err := parseChat(ok)
		require.NoError(t, err, ok)
		assert.Equal(t, ok, c.Recipient())
	}
}
