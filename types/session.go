package types

import (
	"sort"
	"strings"
	"time"
)

const (
	// Established role in the key agreement
	SessionRoleInitiator = "initiator"
	SessionRoleResponder = "responder"
)

// Session is one participants view of the pairwise ratchet. Both sides hold
// their own copy with the same session id and root, each copy advances its
// chain in lockstep with the message flow. ChainKey moves with every message,
// MessageCount only ever grows.
type Session struct {
	BaseDocument    `json:",inline"`
	SessionID       string   `json:"sessionId" validate:"required"`
	OwnerID         string   `json:"ownerId" validate:"required"`            // participant this copy belongs to
	Participants    []string `json:"participants" validate:"required,len=2"` // sorted participant ids
	PairKey         string   `json:"pairKey"`                                // normalized "a|b" lookup key
	Role            string   `json:"role"`
	RootKey         string   `json:"rootKey"`                // base64, key agreement root, never changes
	ChainKey        string   `json:"chainKey"`               // base64, current chain key, strictly forward
	EphemeralKey    string   `json:"ephemeralKey,omitempty"` // base64 initiator ephemeral X25519 public key
	PeerIdentityKey string   `json:"peerIdentityKey"`        // base64 peer X25519 identity public key
	PeerSigningKey  string   `json:"peerSigningKey,omitempty"`
	SignedPreKeyID  string   `json:"signedPreKeyId,omitempty"`  // id of the signed prekey consumed at establishment
	OneTimePreKeyID string   `json:"oneTimePreKeyId,omitempty"` // id of the one time prekey consumed, if any
	MessageCount    int64    `json:"messageCount"`
	Created         int64    `json:"created"`
	ExpiresAt       int64    `json:"expiresAt"`
	SupersededBy    string   `json:"supersededBy,omitempty"` // session id that replaced this one
}

// SessionOffer is what the initiator sends along with the first message so
// the responder can run the mirrored key agreement. Everything in it is public.
type SessionOffer struct {
	SessionID       string `json:"sessionId" validate:"required"`
	InitiatorID     string `json:"initiatorId" validate:"required"`
	RecipientID     string `json:"recipientId" validate:"required"`
	IdentityKey     string `json:"identityKey" validate:"required,base64"`  // initiator X25519 identity public key
	EphemeralKey    string `json:"ephemeralKey" validate:"required,base64"` // fresh X25519 ephemeral public key
	SignedPreKeyID  string `json:"signedPreKeyId" validate:"required"`
	OneTimePreKeyID string `json:"oneTimePreKeyId,omitempty"`
}

// PairKeyOf normalizes two participant ids into the session lookup key,
// order independent
func PairKeyOf(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

// DocID scopes the stored document to the owning participant so both copies
// of a session can live in the same database
func (s *Session) DocID() string {
	return s.OwnerID + ":" + s.SessionID
}

// Expired reports whether the session passed its TTL
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt > 0 && now.UnixMilli() >= s.ExpiresAt
}

// Active sessions are not expired and not superseded
func (s *Session) Active(now time.Time) bool {
	return !s.Expired(now) && s.SupersededBy == ""
}
