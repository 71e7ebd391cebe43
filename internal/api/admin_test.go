package api

import (
	"context"
	"math/big"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdminRouter_AccountGetReflectsLedgerState(t *testing.T) {
	s, _, did := newTestServer(t)
	_, err := s.Ledger.CreateAccount(context.Background(), did, big.NewInt(500))
	require.NoError(t, err)

	handler := NewAdminRouter(s)
	rec := doRequest(t, handler, http.MethodGet, "/admin/accounts/"+did, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"500"`)
}

func TestAdminRouter_AccountGetUnknownDIDReturnsProblem(t *testing.T) {
	s, _, _ := newTestServer(t)
	handler := NewAdminRouter(s)
	rec := doRequest(t, handler, http.MethodGet, "/admin/accounts/did:key:zUnknown", nil, nil)
	require.NotEqual(t, http.StatusOK, rec.Code)
}

func TestAdminRouter_RotateKeyChangesCurrentKeyID(t *testing.T) {
	s, _, _ := newTestServer(t)
	before := s.Keys.CurrentKeyID()

	handler := NewAdminRouter(s)
	rec := doRequest(t, handler, http.MethodPost, "/admin/keys/rotate", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotEqual(t, before, s.Keys.CurrentKeyID())
}
