package identity

import (
	"crypto/ed25519"
	"testing"

	"github.com/ainp-network/broker/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestDIDRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	did, err := NewDID(pub)
	require.NoError(t, err)
	require.Contains(t, did, didKeyPrefix)

	resolved, err := PublicKeyOf(did)
	require.NoError(t, err)
	require.True(t, pub.Equal(resolved))

	msg := []byte(`{"hello":"world"}`)
	sig := Sign(priv, msg)
	require.NoError(t, VerifyFromDID(did, msg, sig))
}

func TestPublicKeyOf_MalformedDID(t *testing.T) {
	_, err := PublicKeyOf("did:web:example.com")
	require.Error(t, err)
	var idErr *errs.Error
	require.ErrorAs(t, err, &idErr)
	require.Equal(t, "IDENTITY_ERROR", idErr.Kind)
}

func TestPublicKeyOf_BadBase58(t *testing.T) {
	_, err := PublicKeyOf("did:key:z0OIl")
	require.Error(t, err)
}

func TestVerifyFromDID_TamperedPayloadFails(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	did, err := NewDID(pub)
	require.NoError(t, err)

	sig := Sign(priv, []byte("original"))
	err = VerifyFromDID(did, []byte("tampered"), sig)
	require.Error(t, err)
	var idErr *errs.Error
	require.ErrorAs(t, err, &idErr)
	require.Equal(t, "INVALID_SIGNATURE", idErr.Kind)
}

func TestKeySet_SignVerifyAndRotate(t *testing.T) {
	ks, err := NewKeySet()
	require.NoError(t, err)

	kid1, sig1 := ks.Sign([]byte("msg-1"))
	require.True(t, ks.VerifyByKID(kid1, []byte("msg-1"), sig1))

	require.NoError(t, ks.Rotate())
	kid2, sig2 := ks.Sign([]byte("msg-2"))
	require.NotEqual(t, kid1, kid2)

	// Old key still verifies old signatures after rotation.
	require.True(t, ks.VerifyByKID(kid1, []byte("msg-1"), sig1))
	require.True(t, ks.VerifyByKID(kid2, []byte("msg-2"), sig2))
}
