package identity

import "github.com/ainp-network/broker/internal/errs"

func errIdentity(format string, args ...any) error {
	return errs.New("IDENTITY_ERROR", format, args...)
}

func errInvalidSignature(format string, args ...any) error {
	return errs.New("INVALID_SIGNATURE", format, args...)
}
