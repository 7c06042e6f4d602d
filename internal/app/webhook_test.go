package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
	"github.com/omeyang/xcoord/pkg/resilience/xretry"
)

func TestWebhookProcessor_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		ok        bool
		retryable bool
	}{
		{http.StatusOK, true, false},
		{http.StatusNoContent, true, false},
		{http.StatusBadRequest, false, false},
		{http.StatusNotFound, false, false},
		{http.StatusRequestTimeout, false, true},
		{http.StatusTooManyRequests, false, true},
		{http.StatusBadGateway, false, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var got webhookPayload
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "i-1", r.Header.Get("Idempotency-Key"))
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := NewWebhookProcessor("sync", srv.URL, time.Second, nil)
			err := p.Process(context.Background(), xclaim.WorkItem{ID: "i-1", PayloadRef: "s3://a", RetryCount: 2})
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, webhookPayload{Job: "sync", ItemID: "i-1", PayloadRef: "s3://a", RetryCount: 2}, got)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.retryable, xretry.IsRetryable(err))
			assert.Equal(t, !tt.retryable, xretry.IsPermanent(err))
		})
	}
}

func TestWebhookProcessor_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewWebhookProcessor("sync", url, 100*time.Millisecond, nil)
	err := p.Process(context.Background(), xclaim.WorkItem{ID: "i-1"})
	require.Error(t, err)
	assert.True(t, xretry.IsRetryable(err))
}
