package api

import (
	"net/http"

	"github.com/ainp-network/broker/internal/errs"
)

// Admin handlers back brokerctl's operational surface: account
// inspection and signing-key rotation. Neither is session- or
// envelope-authenticated; deployments expose /admin/* on a separate,
// network-restricted listener rather than the public one (see
// cmd/broker/main.go).

// HandleAdminAccountGet reports a single ledger account's balance
// fields for brokerctl's "account inspect" operation.
func (s *Server) HandleAdminAccountGet(w http.ResponseWriter, r *http.Request, did string) {
	account, err := s.Ledger.GetAccount(r.Context(), did)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"did": did, "account": accountView(account)})
}

// HandleAdminRotateKey rotates the broker's signing identity, used to
// sign committee-selection receipts and payment challenges. Prior keys
// remain valid for verification (KeySet.Rotate retains key history),
// so in-flight tokens and receipts signed under the old key id still
// verify after rotation.
func (s *Server) HandleAdminRotateKey(w http.ResponseWriter, r *http.Request) {
	if s.Keys == nil {
		WriteProblem(w, r, errs.New("FEATURE_DISABLED", "no signing key set configured"))
		return
	}
	if err := s.Keys.Rotate(); err != nil {
		WriteProblem(w, r, errs.New("INTERNAL_ERROR", "key rotation failed: %v", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "rotated", "kid": s.Keys.CurrentKeyID()})
}
