package deltasync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaymail/internal/maildb"
)

func TestHTTPProviderClientEndpoints(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Correlation-Id"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/accounts/alice@example.com/latest-event":
			_, _ = w.Write([]byte(`{"latestEventId":"e42"}`))
		case "/v1/accounts/alice@example.com/bootstrap":
			assert.Equal(t, "bootstrap_messages_metadata", r.URL.Query().Get("stage"))
			assert.Equal(t, "p2", r.URL.Query().Get("cursor"))
			_, _ = w.Write([]byte(`{"patch":{"mails":{"upsert":[{"pk":"m1","id":"i1","raw":"{}"}]}},"cursor":"p3","more":true}`))
		case "/v1/accounts/alice@example.com/events":
			assert.Equal(t, "e42", r.URL.Query().Get("cursor"))
			_, _ = w.Write([]byte(`{"patch":{"mails":{"remove":[{"pk":"m1"}]}},"cursor":"e43"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewHTTPProviderClient(server.URL+"/", " secret ", server.Client())
	ctx := context.Background()

	latest, err := client.LatestEventID(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "e42", latest)

	page, err := client.FetchBootstrap(ctx, "alice@example.com", maildb.FetchStageBootstrapMessagesMetadata, "p2")
	require.NoError(t, err)
	assert.True(t, page.More)
	assert.Equal(t, "p3", page.Cursor)
	require.Len(t, page.Patch.Mails.Upsert, 1)
	assert.Equal(t, "m1", page.Patch.Mails.Upsert[0].PK)

	page, err = client.FetchEvents(ctx, "alice@example.com", "e42")
	require.NoError(t, err)
	assert.False(t, page.More)
	assert.Equal(t, []maildb.PKRef{{PK: "m1"}}, page.Patch.Mails.Remove)
}

func TestHTTPProviderClientReportsStatusAndRetryAfter(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"unavailable","message":"maintenance"}`))
	}))
	defer server.Close()

	client := NewHTTPProviderClient(server.URL, "", server.Client())
	_, err := client.FetchEvents(context.Background(), "alice@example.com", "e1")
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 503, httpErr.StatusCode)
	assert.Equal(t, "unavailable", httpErr.Code)
	assert.Equal(t, 2*time.Second, httpErr.RetryAfter)
	assert.Equal(t, 1, calls, "the client itself never retries")

	class := DefaultClassify(err)
	assert.True(t, class.Retriable)
	assert.Equal(t, 2*time.Second, class.RetryAfter)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC1123)
	assert.Greater(t, parseRetryAfter(future), 59*time.Minute)
}
