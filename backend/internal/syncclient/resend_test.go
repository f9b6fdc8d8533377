package syncclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plotLines/backend/internal/ws"
)

// silentServer 只读不回：记录收到的编辑批次，从不 ack
type silentServer struct {
	mu      sync.Mutex
	batches []ws.Envelope
}

func (s *silentServer) received() []ws.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ws.Envelope(nil), s.batches...)
}

func (s *silentServer) handler(t *testing.T) http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/documents/d1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"d1","ot_version":0,"snapshot":null}`))
	})
	mux.HandleFunc("/documents/d1/steps", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"steps":[],"ot_versions":[],"userIDs":[]}`))
	})
	mux.HandleFunc("/collab/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			var env ws.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == ws.TypeSteps {
				s.mu.Lock()
				s.batches = append(s.batches, env)
				s.mu.Unlock()
			}
		}
	})
	return mux
}

func TestPendingBatchIsResentEveryTick(t *testing.T) {
	fake := &silentServer{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	c := New(Options{ServerURL: srv.URL, DocumentID: "d1", Tick: 20 * time.Millisecond})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Apply(ins(0, 0, "a")))
	require.Eventually(t, func() bool { return len(fake.received()) >= 3 }, waitFor, poll)

	got := fake.received()
	for _, b := range got[1:] {
		assert.Equal(t, got[0].Version, b.Version)
		assert.Equal(t, got[0].ClientID, b.ClientID)
		require.Len(t, b.Steps, len(got[0].Steps))
		assert.JSONEq(t, string(got[0].Steps[0]), string(b.Steps[0]))
	}
	assert.Zero(t, got[0].Version)
}
