package api

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/ainp-network/broker/internal/antifraud"
	"github.com/ainp-network/broker/internal/envelope"
	"github.com/ainp-network/broker/internal/errs"
	"github.com/ainp-network/broker/internal/identity"
	"github.com/stretchr/testify/require"
)

func signedEnvelope(t *testing.T, priv ed25519.PrivateKey, from, to string, msgType envelope.MsgType, payload any) *envelope.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	env := &envelope.Envelope{
		ID:          "env-" + from + "-" + to + "-" + string(msgType),
		FromDID:     from,
		ToDID:       to,
		MsgType:     msgType,
		TTLMs:       60_000,
		TimestampMs: time.Now().UnixMilli(),
		Payload:     raw,
	}
	canonical, err := envelope.Canonicalize(env)
	require.NoError(t, err)
	env.Sig = identity.Sign(priv, canonical)
	return env
}

func newTestPipeline() *Pipeline {
	return NewPipeline(PipelineConfig{
		Cache:   antifraud.NewLocalCache(10*time.Millisecond, false),
		Limiter: antifraud.NewLocalLimiter(),
	})
}

func TestPipeline_AcceptsValidIntent(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	from, err := identity.NewDID(pub)
	require.NoError(t, err)

	env := signedEnvelope(t, priv, from, "did:key:zTo", envelope.MsgIntent, map[string]any{
		"intent_type": "ECHO_MESSAGE", "subject": "hi", "body": "hello",
	})
	p := newTestPipeline()
	result, err := p.Run(context.Background(), env)
	require.NoError(t, err)
	require.True(t, result.PostageDue, "first contact between this pair must require postage")
}

func TestPipeline_RejectsBadSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	from, err := identity.NewDID(pub)
	require.NoError(t, err)

	env := signedEnvelope(t, priv, from, "did:key:zTo", envelope.MsgIntent, map[string]any{"intent_type": "X"})
	env.Sig = env.Sig[:len(env.Sig)-2] + "AA"

	p := newTestPipeline()
	_, err = p.Run(context.Background(), env)
	require.Error(t, err)
	var bErr *errs.Error
	require.ErrorAs(t, err, &bErr)
	require.Contains(t, []string{"INVALID_SIGNATURE", "IDENTITY_ERROR"}, bErr.Kind)
}

func TestPipeline_RejectsReplay(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	from, err := identity.NewDID(pub)
	require.NoError(t, err)

	p := newTestPipeline()
	env := signedEnvelope(t, priv, from, "did:key:zTo", envelope.MsgIntent, map[string]any{"intent_type": "X"})
	_, err = p.Run(context.Background(), env)
	require.NoError(t, err)

	_, err = p.Run(context.Background(), env)
	require.Error(t, err)
	var bErr *errs.Error
	require.ErrorAs(t, err, &bErr)
	require.Equal(t, "REPLAY_DETECTED", bErr.Kind)
}

func TestPipeline_RejectsDuplicateContent(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	from, err := identity.NewDID(pub)
	require.NoError(t, err)

	p := newTestPipeline()
	env1 := signedEnvelope(t, priv, from, "did:key:zTo", envelope.MsgIntent, map[string]any{
		"intent_type": "ECHO_MESSAGE", "subject": "hi", "body": "same",
	})
	_, err = p.Run(context.Background(), env1)
	require.NoError(t, err)

	env2 := signedEnvelope(t, priv, from, "did:key:zTo", envelope.MsgIntent, map[string]any{
		"intent_type": "ECHO_MESSAGE_2", "subject": "hi", "body": "same",
	})
	env2.ID = env1.ID + "-2"
	canonical, err := envelope.Canonicalize(env2)
	require.NoError(t, err)
	env2.Sig = identity.Sign(priv, canonical)

	_, err = p.Run(context.Background(), env2)
	require.Error(t, err)
	var bErr *errs.Error
	require.ErrorAs(t, err, &bErr)
	require.Equal(t, "DUPLICATE_EMAIL", bErr.Kind)
}

func TestPipeline_SecondContactDoesNotChargePostageAgain(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	from, err := identity.NewDID(pub)
	require.NoError(t, err)

	p := newTestPipeline()
	env1 := signedEnvelope(t, priv, from, "did:key:zTo", envelope.MsgIntent, map[string]any{
		"intent_type": "ECHO_MESSAGE", "subject": "s1", "body": "b1",
	})
	result, err := p.Run(context.Background(), env1)
	require.NoError(t, err)
	require.True(t, result.PostageDue)

	time.Sleep(30 * time.Millisecond) // clear greylist delay
	env2 := signedEnvelope(t, priv, from, "did:key:zTo", envelope.MsgIntent, map[string]any{
		"intent_type": "ECHO_MESSAGE", "subject": "s2", "body": "b2",
	})
	result, err = p.Run(context.Background(), env2)
	require.NoError(t, err)
	require.False(t, result.PostageDue, "postage must only be charged once per first-contact pair")
}

func TestPipeline_NonIntentSkipsIntentGuards(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	from, err := identity.NewDID(pub)
	require.NoError(t, err)

	p := newTestPipeline()
	env := signedEnvelope(t, priv, from, "did:key:zTo", envelope.MsgAck, map[string]any{"ok": true})
	result, err := p.Run(context.Background(), env)
	require.NoError(t, err)
	require.False(t, result.PostageDue)
}

func TestPipeline_RejectsStaleEnvelope(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	from, err := identity.NewDID(pub)
	require.NoError(t, err)

	env := signedEnvelope(t, priv, from, "did:key:zTo", envelope.MsgAck, map[string]any{"ok": true})
	env.TimestampMs = time.Now().Add(-time.Hour).UnixMilli()
	env.TTLMs = 1000
	canonical, err := envelope.Canonicalize(env)
	require.NoError(t, err)
	env.Sig = identity.Sign(priv, canonical)

	p := newTestPipeline()
	_, err = p.Run(context.Background(), env)
	require.Error(t, err)
	var bErr *errs.Error
	require.ErrorAs(t, err, &bErr)
	require.Equal(t, "STALE", bErr.Kind)
}
