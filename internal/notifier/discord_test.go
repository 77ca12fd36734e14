package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhook(t *testing.T, status int) (*httptest.Server, *[]string) {
	t.Helper()

	var got []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		got = append(got, payload["content"])
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv, &got
}

func TestDiscordNotifier(t *testing.T) {
	srv, got := webhook(t, http.StatusNoContent)

	n := &DiscordNotifier{WebhookURL: srv.URL}
	require.NoError(t, n.Notify(context.Background(), "hello"))
	assert.Equal(t, []string{"hello"}, *got)
}

func TestDiscordNotifierErrors(t *testing.T) {
	srv, _ := webhook(t, http.StatusBadRequest)

	assert.Error(t, (&DiscordNotifier{}).Notify(context.Background(), "x"))
	assert.Error(t, (&DiscordNotifier{WebhookURL: srv.URL}).Notify(context.Background(), "x"))
}

func TestHook(t *testing.T) {
	srv, got := webhook(t, http.StatusOK)

	Hook(&DiscordNotifier{WebhookURL: srv.URL})(context.Background(), errors.New("boom"))
	assert.Equal(t, []string{"Uncaught error: boom"}, *got)

	Hook(nil)(context.Background(), errors.New("only logged"))
}
