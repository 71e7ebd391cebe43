package push

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSend_NoConnectionIsNoop(t *testing.T) {
	h := NewHub()
	delivered := h.Send("did:key:zA", Message{EnvelopeID: "e1"})
	require.False(t, delivered)
}

func TestSend_DeliversToRegisteredConnection(t *testing.T) {
	h := NewHub()
	conn, ok := h.Register("did:key:zA")
	require.True(t, ok)

	delivered := h.Send("did:key:zA", Message{EnvelopeID: "e1"})
	require.True(t, delivered)

	msg := <-conn.Conn().Messages()
	require.Equal(t, "e1", msg.EnvelopeID)
}

func TestSend_OverflowDropsOldestFirst(t *testing.T) {
	h := NewHub().WithQueueSize(2)
	conn, _ := h.Register("did:key:zA")

	require.True(t, h.Send("did:key:zA", Message{EnvelopeID: "e1"}))
	require.True(t, h.Send("did:key:zA", Message{EnvelopeID: "e2"}))
	require.True(t, h.Send("did:key:zA", Message{EnvelopeID: "e3"}))

	first := <-conn.Conn().Messages()
	second := <-conn.Conn().Messages()
	require.Equal(t, "e2", first.EnvelopeID, "oldest message e1 should have been dropped")
	require.Equal(t, "e3", second.EnvelopeID)
}

func TestRegister_ReconnectSupersedesPrior(t *testing.T) {
	h := NewHub()
	first, _ := h.Register("did:key:zA")
	second, _ := h.Register("did:key:zA")

	select {
	case <-first.done:
	default:
		t.Fatal("prior connection's done channel should be closed on reconnect")
	}

	require.True(t, h.IsConnected("did:key:zA"))
	h.Unregister("did:key:zA", second)
	require.False(t, h.IsConnected("did:key:zA"))
}

func TestUnregister_StaleCallIgnored(t *testing.T) {
	h := NewHub()
	first, _ := h.Register("did:key:zA")
	_, _ = h.Register("did:key:zA") // supersedes first

	h.Unregister("did:key:zA", first)
	require.True(t, h.IsConnected("did:key:zA"), "unregistering a superseded connection must not evict the current one")
}

func TestIsConnected_FalseWhenNeverRegistered(t *testing.T) {
	h := NewHub()
	require.False(t, h.IsConnected("did:key:zGhost"))
}
