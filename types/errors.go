package types

import "errors"

var (
	// ErrNotFound is returned when a document doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when the resource conflicts (e.g. update of old revision)
	ErrConflict = errors.New("conflict")

	// ErrBadRequest for malformed input to the repository layer
	ErrBadRequest = errors.New("bad request")

	// ErrNotAuthorized when the principal has no access to the resource
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInternal (for unhandled exceptions)
	ErrInternal = errors.New("internal error")

	// ErrProtocol is returned on malformed envelopes, version mismatches,
	// message counter drift and padding violations
	ErrProtocol = errors.New("protocol violation")

	// ErrPreKeySignature is returned when the signed prekey signature
	// doesn't verify against the peers signing key
	ErrPreKeySignature = errors.New("signed prekey signature invalid")

	// ErrIntegrity is returned when the authentication tag doesn't verify (tampered ciphertext)
	ErrIntegrity = errors.New("message integrity check failed")

	// ErrChecksum is returned when the decrypted payload checksum doesn't match
	ErrChecksum = errors.New("payload checksum mismatch")

	// ErrKeyUnwrap is returned when unwrapping key material under the KEK fails
	ErrKeyUnwrap = errors.New("key unwrap failed")

	// ErrKeyLifecycle is returned on an illegal key state transition or
	// when a key in the wrong state is used
	ErrKeyLifecycle = errors.New("key lifecycle violation")

	// ErrUnsupportedAlgorithm for unknown cipher or key algorithm identifiers
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrInsufficientApprovals when destruction of a protected key lacks approvals
	ErrInsufficientApprovals = errors.New("insufficient destruction approvals")

	// ErrSessionNotFound when no session exists for the conversation pair
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired when the session passed its TTL
	ErrSessionExpired = errors.New("session expired")
)
