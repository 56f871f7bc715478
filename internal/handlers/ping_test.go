package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/healthcheck"
)

type staticObserver []channel.ConnectionStatus

func (s staticObserver) ConnectionStatuses() []channel.ConnectionStatus { return s }

type staticChecker []healthcheck.CheckResult

func (s staticChecker) ListChecks(ctx context.Context) []healthcheck.CheckResult { return s }

func TestPingHandlerChannelStatuses(t *testing.T) {
	t.Parallel()

	h := NewPingHandler(nil, staticObserver{{ChannelType: "telegram", Running: true}})
	rec := doRequest(t, http.MethodGet, "/health/channels", "", nil, h.ChannelStatuses)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"channel_type":"telegram"`)

	rec = doRequest(t, http.MethodGet, "/health/channels", "", nil, NewPingHandler(nil, nil).ChannelStatuses)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestPingHandlerChecks(t *testing.T) {
	t.Parallel()

	ok := NewPingHandler(nil, nil, staticChecker{{ID: "a", Status: healthcheck.StatusOK}})
	rec := doRequest(t, http.MethodGet, "/health/checks", "", nil, ok.Checks)
	assert.Equal(t, http.StatusOK, rec.Code)

	failing := NewPingHandler(nil, nil,
		staticChecker{{ID: "a", Status: healthcheck.StatusOK}},
		staticChecker{{ID: "b", Status: healthcheck.StatusError}},
	)
	rec = doRequest(t, http.MethodGet, "/health/checks", "", nil, failing.Checks)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"error"`)
}
