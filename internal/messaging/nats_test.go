package messaging

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient connects to NATS_URL (or the default) and skips when no
// server is reachable.
func newTestClient(t *testing.T, name string) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.URL = url
	}
	cfg.Name = name
	cfg.MaxReconnects = 0

	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("NATS not available at %s: %v", cfg.URL, err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestDefaultNATSConfig(t *testing.T) {
	cfg := DefaultNATSConfig()
	assert.Equal(t, "nats://localhost:4222", cfg.URL)
	assert.Equal(t, "guardrails", cfg.Name)
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.Positive(t, cfg.ReconnectWait)
}

func TestSubscribeAudit_ReceivesBothSubjects(t *testing.T) {
	sub := newTestClient(t, "audit-sub")
	pub := newTestClient(t, "audit-pub")

	var mu sync.Mutex
	got := map[string]string{}
	done := make(chan struct{}, 2)
	require.NoError(t, sub.SubscribeAudit(func(subject string, data []byte) {
		mu.Lock()
		got[subject] = string(data)
		mu.Unlock()
		done <- struct{}{}
	}))
	require.NoError(t, sub.conn.Flush())

	require.NoError(t, pub.Publish(SubjectAuditEvent, []byte(`{"request_id":"r1"}`)))
	require.NoError(t, pub.Publish(SubjectAuditExchange, []byte(`{"request_id":"r2"}`)))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for audit messages")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, `{"request_id":"r1"}`, got[SubjectAuditEvent])
	assert.Equal(t, `{"request_id":"r2"}`, got[SubjectAuditExchange])
}

func TestConnected(t *testing.T) {
	c := newTestClient(t, "audit-conn")
	assert.True(t, c.Connected())
}
