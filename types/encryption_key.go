package types

import "time"

const (
	// Possible key lifecycle states
	KeyStatePreActivation        = "pre_activation"
	KeyStateActive               = "active"
	KeyStateSuspended            = "suspended"
	KeyStateDeactivated          = "deactivated"
	KeyStateCompromised          = "compromised"
	KeyStateDestroyed            = "destroyed"
	KeyStateDestroyedCompromised = "destroyed_compromised"

	// Possible key purposes
	KeyPurposeMessaging  = "messaging"
	KeyPurposeRoom       = "room"
	KeyPurposeField      = "field"
	KeyPurposeAttachment = "attachment"
	KeyPurposeAgreement  = "agreement"
	KeyPurposeSigning    = "signing"

	// Possible key algorithms
	KeyAlgorithmAES256GCM        = "aes-256-gcm"
	KeyAlgorithmChaCha20Poly1305 = "chacha20-poly1305"
	KeyAlgorithmX25519           = "x25519"
	KeyAlgorithmEd25519          = "ed25519"
)

// EncryptionKey is a managed key stored in the database. Private or symmetric
// material is never stored in the clear, only wrapped under the KEK.
type EncryptionKey struct {
	BaseDocument       `json:",inline"`
	KeyID              string             `json:"keyId" validate:"required"`
	Purpose            string             `json:"purpose" validate:"required"`
	Algorithm          string             `json:"algorithm" validate:"required"`
	State              string             `json:"state"`
	Fingerprint        string             `json:"fingerprint"`               // sha256 hex of the raw key material
	WrappedMaterial    string             `json:"wrappedMaterial,omitempty"` // base64 nonce||ciphertext under the KEK
	PublicMaterial     string             `json:"publicMaterial,omitempty"`  // base64 public half (asymmetric keys only)
	KekID              string             `json:"kekId"`                     // id of the KEK the material is wrapped under
	Owner              string             `json:"owner,omitempty"`           // principal the key belongs to
	Usage              KeyUsage           `json:"usage"`
	Policy             KeyPolicy          `json:"policy"`
	Rotation           KeyRotation        `json:"rotation"`
	DeletionProtection DeletionProtection `json:"deletionProtection"`
	Created            int64              `json:"created"`
	ActivatedAt        int64              `json:"activatedAt,omitempty"`
	DestroyedAt        int64              `json:"destroyedAt,omitempty"`
	DestroyReason      string             `json:"destroyReason,omitempty"`
}

type KeyUsage struct {
	Operations int64 `json:"operations"` // total operations performed with the key
	EncryptOps int64 `json:"encryptOps"`
	DecryptOps int64 `json:"decryptOps"`
	LastUsedAt int64 `json:"lastUsedAt,omitempty"`
}

type KeyPolicy struct {
	MaxAgeDays         int      `json:"maxAgeDays,omitempty"`    // rotation due after this many days
	MaxOperations      int64    `json:"maxOperations,omitempty"` // suspend once the usage counter reaches this
	AllowedPrincipals  []string `json:"allowedPrincipals,omitempty"`
	DeniedPrincipals   []string `json:"deniedPrincipals,omitempty"`
	GracePeriodMinutes int      `json:"gracePeriodMinutes,omitempty"`
}

type KeyRotation struct {
	PreviousKeyID string `json:"previousKeyId,omitempty"`
	NextKeyID     string `json:"nextKeyId,omitempty"`
	RotationCount int    `json:"rotationCount"`
	RotatedAt     int64  `json:"rotatedAt,omitempty"`
	DeactivateAt  int64  `json:"deactivateAt,omitempty"` // end of the decrypt-only grace window, swept by cron
}

type DeletionProtection struct {
	Enabled           bool       `json:"enabled"`
	RequiredApprovals int        `json:"requiredApprovals,omitempty"`
	Approvals         []Approval `json:"approvals,omitempty"`
}

type Approval struct {
	ID       string `json:"id"`
	Approver string `json:"approver"`
	Created  int64  `json:"created"`
}

// Terminal reports whether the key reached a final state
func (k *EncryptionKey) Terminal() bool {
	return k.State == KeyStateDestroyed || k.State == KeyStateDestroyedCompromised
}

// CanEncrypt is true only for active keys that have not been rotated out.
// A rotated key keeps decrypting through its grace window but never encrypts again.
func (k *EncryptionKey) CanEncrypt() bool {
	return k.State == KeyStateActive && k.Rotation.NextKeyID == ""
}

// CanDecrypt is true for active keys, including rotated ones still inside
// the grace window (the sweep flips them to deactivated once deactivateAt passes)
func (k *EncryptionKey) CanDecrypt() bool {
	return k.State == KeyStateActive
}

// CanTransition validates a lifecycle state change
func (k *EncryptionKey) CanTransition(to string) bool {
	if k.Terminal() {
		return false
	}
	switch k.State {
	case KeyStatePreActivation:
		return to == KeyStateActive || to == KeyStateDestroyed || to == KeyStateCompromised
	case KeyStateActive:
		return to == KeyStateSuspended || to == KeyStateDeactivated || to == KeyStateCompromised || to == KeyStateDestroyed
	case KeyStateSuspended:
		return to == KeyStateActive || to == KeyStateDeactivated || to == KeyStateCompromised || to == KeyStateDestroyed
	case KeyStateDeactivated:
		return to == KeyStateDestroyed || to == KeyStateCompromised
	case KeyStateCompromised:
		return to == KeyStateDestroyedCompromised
	}
	return false
}

// CanBeUsedBy checks the principal against the allow/deny policy lists.
// Deny wins over allow. An empty allow list means everyone.
func (k *EncryptionKey) CanBeUsedBy(principal string) bool {
	for _, d := range k.Policy.DeniedPrincipals {
		if d == principal {
			return false
		}
	}
	if len(k.Policy.AllowedPrincipals) == 0 {
		return true
	}
	for _, a := range k.Policy.AllowedPrincipals {
		if a == principal {
			return true
		}
	}
	return false
}

// NeedsRotation is true once the key passed its age or usage budget
func (k *EncryptionKey) NeedsRotation(now time.Time) bool {
	if k.State != KeyStateActive || k.Rotation.NextKeyID != "" {
		return false
	}
	if k.Policy.MaxAgeDays > 0 {
		age := now.UnixMilli() - k.Created
		if age >= int64(k.Policy.MaxAgeDays)*24*60*60*1000 {
			return true
		}
	}
	if k.Policy.MaxOperations > 0 && k.Usage.Operations >= k.Policy.MaxOperations {
		return true
	}
	return false
}
