package routing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ainp-network/broker/internal/discovery"
	"github.com/ainp-network/broker/internal/envelope"
	"github.com/ainp-network/broker/internal/push"
	"github.com/stretchr/testify/require"
)

var testWeights = discovery.Weights{Similarity: 0.5, Trust: 0.3, Usefulness: 0.2}

func newIntentEnvelope(t *testing.T, toDID, intentType string) *envelope.Envelope {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"intent_type": intentType, "subject": "Hello"})
	require.NoError(t, err)
	return &envelope.Envelope{
		ID:      "env-1",
		FromDID: "did:key:zSender",
		ToDID:   toDID,
		MsgType: envelope.MsgIntent,
		Payload: payload,
	}
}

func TestRoute_PersistentMessageToNamedRecipient(t *testing.T) {
	hub := push.NewHub()
	_, _ = hub.Register("did:key:zRecipient")
	mailbox := NewMemoryStore()
	router := NewRouter(hub, mailbox, discovery.NewFlatStore(), testWeights)

	env := newIntentEnvelope(t, "did:key:zRecipient", "EMAIL_MESSAGE")
	out, err := router.Route(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, []string{"did:key:zRecipient"}, out.Pushed)
	require.Equal(t, []string{"did:key:zRecipient"}, out.MailboxedTo)

	page, err := mailbox.Inbox(context.Background(), "did:key:zRecipient", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.Equal(t, "env-1", page.Messages[0].ID)
}

func TestRoute_NonMessageIntentSkipsMailbox(t *testing.T) {
	hub := push.NewHub()
	mailbox := NewMemoryStore()
	router := NewRouter(hub, mailbox, discovery.NewFlatStore(), testWeights)

	env := newIntentEnvelope(t, "did:key:zRecipient", "COMPUTE_TASK")
	out, err := router.Route(context.Background(), env)
	require.NoError(t, err)
	require.Empty(t, out.MailboxedTo)

	page, err := mailbox.Inbox(context.Background(), "did:key:zRecipient", "", 10)
	require.NoError(t, err)
	require.Empty(t, page.Messages)
}

func TestRoute_NoConnectionStillPersistsMailbox(t *testing.T) {
	hub := push.NewHub() // recipient never registered
	mailbox := NewMemoryStore()
	router := NewRouter(hub, mailbox, discovery.NewFlatStore(), testWeights)

	env := newIntentEnvelope(t, "did:key:zRecipient", "EMAIL_MESSAGE")
	out, err := router.Route(context.Background(), env)
	require.NoError(t, err)
	require.Empty(t, out.Pushed, "push is best-effort when no connection is live")
	require.Equal(t, []string{"did:key:zRecipient"}, out.MailboxedTo)
}

func TestRoute_DiscoveryFanoutWhenNoToDID(t *testing.T) {
	store := discovery.NewFlatStore()
	ctx := context.Background()
	emb := discovery.Embedding{1, 0, 0}
	for _, did := range []string{"did:key:zA", "did:key:zB", "did:key:zC", "did:key:zD"} {
		require.NoError(t, store.Advertise(ctx, did, []discovery.Capability{{
			ID: did + "-cap", AgentDID: did, Embedding: emb,
		}}, time.Hour))
	}

	hub := push.NewHub()
	mailbox := NewMemoryStore()
	router := NewRouter(hub, mailbox, store, testWeights).WithFanout(3)

	payload, err := json.Marshal(map[string]any{"intent_type": "COMPUTE_TASK", "embedding": emb})
	require.NoError(t, err)
	env := &envelope.Envelope{ID: "env-2", FromDID: "did:key:zSender", MsgType: envelope.MsgIntent, Payload: payload}

	out, err := router.Route(ctx, env)
	require.NoError(t, err)
	require.Len(t, out.Pushed, 0) // none registered, but recipients were resolved
}

func TestMailbox_ReadForbiddenForNonParticipant(t *testing.T) {
	mailbox := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, mailbox.Store(ctx, Message{ID: "m1", FromDID: "did:key:zA", ToDID: "did:key:zB", Participants: []string{"did:key:zA", "did:key:zB"}}))

	err := mailbox.MarkRead(ctx, "did:key:zOutsider", "m1", true)
	require.Error(t, err)
}

func TestMailbox_StoreIsIdempotent(t *testing.T) {
	mailbox := NewMemoryStore()
	ctx := context.Background()
	msg := Message{ID: "m1", FromDID: "did:key:zA", ToDID: "did:key:zB", Participants: []string{"did:key:zA", "did:key:zB"}}
	require.NoError(t, mailbox.Store(ctx, msg))
	require.NoError(t, mailbox.Store(ctx, msg))

	page, err := mailbox.Inbox(ctx, "did:key:zA", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
}

func TestMailbox_CursorPaginationStableUnderOrdering(t *testing.T) {
	mailbox := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, mailbox.Store(ctx, Message{
			ID: string(rune('a' + i)), FromDID: "did:key:zA", ToDID: "did:key:zB",
			Participants: []string{"did:key:zA", "did:key:zB"},
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page1, err := mailbox.Inbox(ctx, "did:key:zA", "", 2)
	require.NoError(t, err)
	require.Len(t, page1.Messages, 2)
	require.NotEmpty(t, page1.NextCursor)

	page2, err := mailbox.Inbox(ctx, "did:key:zA", page1.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page2.Messages, 2)

	seen := map[string]bool{}
	for _, m := range append(page1.Messages, page2.Messages...) {
		require.False(t, seen[m.ID], "message %s seen twice across pages", m.ID)
		seen[m.ID] = true
	}
}

func TestMailbox_LabelAddAndRemove(t *testing.T) {
	mailbox := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, mailbox.Store(ctx, Message{ID: "m1", FromDID: "did:key:zA", ToDID: "did:key:zB", Participants: []string{"did:key:zA", "did:key:zB"}}))

	require.NoError(t, mailbox.Label(ctx, "did:key:zA", "m1", "important", true))
	require.NoError(t, mailbox.Label(ctx, "did:key:zA", "m1", "important", false))
}

func TestRoute_SendToSelf(t *testing.T) {
	hub := push.NewHub()
	mailbox := NewMemoryStore()
	router := NewRouter(hub, mailbox, discovery.NewFlatStore(), testWeights)

	env := newIntentEnvelope(t, "did:key:zSender", "EMAIL_MESSAGE")
	out, err := router.Route(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, []string{"did:key:zSender"}, out.MailboxedTo)

	page, err := mailbox.Inbox(context.Background(), "did:key:zSender", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.Equal(t, []string{"did:key:zSender"}, page.Messages[0].Participants)
}
