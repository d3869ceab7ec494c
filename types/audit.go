package types

const (
	// Possible audit event kinds
	AuditKeyGenerated       = "key.generated"
	AuditKeyActivated       = "key.activated"
	AuditKeySuspended       = "key.suspended"
	AuditKeyResumed         = "key.resumed"
	AuditKeyRotated         = "key.rotated"
	AuditKeyDeactivated     = "key.deactivated"
	AuditKeyDestroyed       = "key.destroyed"
	AuditKeyCompromised     = "key.compromised"
	AuditKeyUsageExceeded   = "key.usage_exceeded"
	AuditSessionEstablished = "session.established"
	AuditSessionSuperseded  = "session.superseded"
	AuditSessionExpired     = "session.expired"
	AuditDecryptFailed      = "message.decrypt_failed"
	AuditPreKeyConsumed     = "prekey.consumed"
	AuditPreKeyReplenished  = "prekey.replenished"
)

// AuditEvent records a security relevant lifecycle transition. The engine
// only emits these, alerting and retention happen downstream.
type AuditEvent struct {
	BaseDocument `json:",inline"`
	EventID      string            `json:"eventId"`
	Kind         string            `json:"kind" validate:"required"`
	KeyID        string            `json:"keyId,omitempty"`
	SessionID    string            `json:"sessionId,omitempty"`
	Principal    string            `json:"principal,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Detail       map[string]string `json:"detail,omitempty"`
	Created      int64             `json:"created"`
}
