package services

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/parley-chat/go-parley-e2ee/crypto"
	"github.com/parley-chat/go-parley-e2ee/global"
	"github.com/parley-chat/go-parley-e2ee/repository"
	"github.com/parley-chat/go-parley-e2ee/types"
)

const keyLockStripes = 64

// KeyManagerService owns the full key lifecycle. Material is generated here,
// immediately wrapped under the KEK and never persisted in the clear. All
// state transitions run under a per key striped lock and emit audit events.
type KeyManagerService struct {
	keyRepo repository.Repository
	kek     KekProvider
	audit   AuditEmitter
	locks   [keyLockStripes]sync.Mutex
}

func NewKeyManagerService(dbSelector repository.DBSelector, kek KekProvider, audit AuditEmitter) *KeyManagerService {
	db, err := dbSelector.ChooseDB(repository.EncryptionKeys)
	if err != nil {
		panic(err)
	}
	return &KeyManagerService{
		keyRepo: db,
		kek:     kek,
		audit:   audit,
	}
}

func (ks *KeyManagerService) lockFor(keyID string) *sync.Mutex {
	return &ks.locks[xxhash.Sum64String(keyID)%keyLockStripes]
}

type GenerateKeyInput struct {
	Purpose   string
	Algorithm string
	Owner     string
	// Policy overrides the configured rotation and access defaults when set
	Policy *types.KeyPolicy
}

// GenerateKey creates a key in pre_activation state. Symmetric algorithms get
// 32 random bytes, asymmetric ones a fresh pair with the public half stored
// in the clear and the private half wrapped.
func (ks *KeyManagerService) GenerateKey(ctx context.Context, input GenerateKeyInput) (*types.EncryptionKey, error) {
	switch input.Purpose {
	case types.KeyPurposeMessaging, types.KeyPurposeRoom, types.KeyPurposeField,
		types.KeyPurposeAttachment, types.KeyPurposeAgreement, types.KeyPurposeSigning:
	default:
		return nil, fmt.Errorf("%w: unknown purpose %q", types.ErrBadRequest, input.Purpose)
	}

	var material []byte
	var publicMaterial []byte
	switch input.Algorithm {
	case types.KeyAlgorithmAES256GCM, types.KeyAlgorithmChaCha20Poly1305:
		material = make([]byte, 32)
		if _, err := rand.Read(material); err != nil {
			return nil, err
		}
	case types.KeyAlgorithmX25519:
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		material = priv
		publicMaterial = pub
	case types.KeyAlgorithmEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		material = priv
		publicMaterial = pub
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrUnsupportedAlgorithm, input.Algorithm)
	}
	defer crypto.Zero(material)

	fingerprintOf := material
	if publicMaterial != nil {
		fingerprintOf = publicMaterial
	}

	wrapped, kekID, err := ks.kek.Wrap(ctx, material)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key material: %w", err)
	}

	policy := types.KeyPolicy{
		MaxAgeDays:         global.Conf.E2EE.Rotation.MaxKeyAgeDays,
		MaxOperations:      int64(global.Conf.E2EE.Rotation.MaxOperations),
		GracePeriodMinutes: global.Conf.GracePeriodMinutesOrDefault(),
	}
	if input.Policy != nil {
		policy = *input.Policy
		if policy.GracePeriodMinutes == 0 {
			policy.GracePeriodMinutes = global.Conf.GracePeriodMinutesOrDefault()
		}
	}

	key := &types.EncryptionKey{
		KeyID:           uuid.NewString(),
		Purpose:         input.Purpose,
		Algorithm:       input.Algorithm,
		State:           types.KeyStatePreActivation,
		Fingerprint:     crypto.Fingerprint(fingerprintOf),
		WrappedMaterial: wrapped,
		KekID:           kekID,
		Owner:           input.Owner,
		Policy:          policy,
		DeletionProtection: types.DeletionProtection{
			Enabled:           global.Conf.E2EE.DeletionProtection.Enabled,
			RequiredApprovals: global.Conf.E2EE.DeletionProtection.RequiredApprovals,
		},
		Created: time.Now().UTC().UnixMilli(),
	}
	if publicMaterial != nil {
		key.PublicMaterial = base64.StdEncoding.EncodeToString(publicMaterial)
	}

	if err := ks.keyRepo.Save(ctx, key.KeyID, key); err != nil {
		return nil, err
	}
	ks.emitKeyEvent(types.AuditKeyGenerated, key, "")
	return key, nil
}

// GetKey loads a key document by id
func (ks *KeyManagerService) GetKey(ctx context.Context, keyID string) (*types.EncryptionKey, error) {
	response, err := ks.keyRepo.GetByID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	var key types.EncryptionKey
	if mErr := repository.MapToObject(response, &key); mErr != nil {
		return nil, mErr
	}
	return &key, nil
}

// ActivateKey moves a pre_activation key into service
func (ks *KeyManagerService) ActivateKey(ctx context.Context, keyID string) (*types.EncryptionKey, error) {
	lock := ks.lockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	key, err := ks.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if !key.CanTransition(types.KeyStateActive) {
		return nil, fmt.Errorf("%w: cannot activate key in state %s", types.ErrKeyLifecycle, key.State)
	}
	key.State = types.KeyStateActive
	key.ActivatedAt = time.Now().UTC().UnixMilli()
	if err := ks.keyRepo.Update(ctx, key.KeyID, key); err != nil {
		return nil, err
	}
	ks.emitKeyEvent(types.AuditKeyActivated, key, "")
	return key, nil
}

// SuspendKey takes an active key out of service without losing it
func (ks *KeyManagerService) SuspendKey(ctx context.Context, keyID string, reason string) error {
	lock := ks.lockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	key, err := ks.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if key.State != types.KeyStateActive {
		return fmt.Errorf("%w: cannot suspend key in state %s", types.ErrKeyLifecycle, key.State)
	}
	key.State = types.KeyStateSuspended
	if err := ks.keyRepo.Update(ctx, key.KeyID, key); err != nil {
		return err
	}
	ks.emitKeyEvent(types.AuditKeySuspended, key, reason)
	return nil
}

// ResumeKey puts a suspended key back into service
func (ks *KeyManagerService) ResumeKey(ctx context.Context, keyID string) error {
	lock := ks.lockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	key, err := ks.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if key.State != types.KeyStateSuspended {
		return fmt.Errorf("%w: cannot resume key in state %s", types.ErrKeyLifecycle, key.State)
	}
	key.State = types.KeyStateActive
	if err := ks.keyRepo.Update(ctx, key.KeyID, key); err != nil {
		return err
	}
	ks.emitKeyEvent(types.AuditKeyResumed, key, "")
	return nil
}

// DeactivateKey retires a key for good, no further encrypt or decrypt
func (ks *KeyManagerService) DeactivateKey(ctx context.Context, keyID string, reason string) error {
	lock := ks.lockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	key, err := ks.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if !key.CanTransition(types.KeyStateDeactivated) {
		return fmt.Errorf("%w: cannot deactivate key in state %s", types.ErrKeyLifecycle, key.State)
	}
	key.State = types.KeyStateDeactivated
	if err := ks.keyRepo.Update(ctx, key.KeyID, key); err != nil {
		return err
	}
	ks.emitKeyEvent(types.AuditKeyDeactivated, key, reason)
	return nil
}

// MarkCompromised blocks a key immediately. The only way out is emergency
// destruction.
func (ks *KeyManagerService) MarkCompromised(ctx context.Context, keyID string, reason string) error {
	lock := ks.lockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	key, err := ks.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if !key.CanTransition(types.KeyStateCompromised) {
		return fmt.Errorf("%w: cannot mark key in state %s compromised", types.ErrKeyLifecycle, key.State)
	}
	key.State = types.KeyStateCompromised
	if err := ks.keyRepo.Update(ctx, key.KeyID, key); err != nil {
		return err
	}
	ks.emitKeyEvent(types.AuditKeyCompromised, key, reason)
	return nil
}

// RotateKey creates an active successor and starts the decrypt only grace
// window on the old key. The old key is deactivated by the sweep once its
// persisted deactivateAt passes, surviving restarts in between.
func (ks *KeyManagerService) RotateKey(ctx context.Context, keyID string, reason string) (*types.EncryptionKey, error) {
	lock := ks.lockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	key, err := ks.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key.State != types.KeyStateActive {
		return nil, fmt.Errorf("%w: cannot rotate key in state %s", types.ErrKeyLifecycle, key.State)
	}
	if key.Rotation.NextKeyID != "" {
		return nil, fmt.Errorf("%w: key already rotated to %s", types.ErrKeyLifecycle, key.Rotation.NextKeyID)
	}

	now := time.Now().UTC()

	successor, err := ks.GenerateKey(ctx, GenerateKeyInput{
		Purpose:   key.Purpose,
		Algorithm: key.Algorithm,
		Owner:     key.Owner,
		Policy:    &key.Policy,
	})
	if err != nil {
		return nil, err
	}
	successor.State = types.KeyStateActive
	successor.ActivatedAt = now.UnixMilli()
	successor.Rotation.PreviousKeyID = key.KeyID
	successor.Rotation.RotationCount = key.Rotation.RotationCount + 1
	successor.DeletionProtection = key.DeletionProtection
	if err := ks.keyRepo.Update(ctx, successor.KeyID, successor); err != nil {
		return nil, err
	}
	ks.emitKeyEvent(types.AuditKeyActivated, successor, "rotation successor")

	gracePeriod := time.Duration(key.Policy.GracePeriodMinutes) * time.Minute
	if gracePeriod <= 0 {
		gracePeriod = time.Duration(global.Conf.GracePeriodMinutesOrDefault()) * time.Minute
	}
	key.Rotation.NextKeyID = successor.KeyID
	key.Rotation.RotatedAt = now.UnixMilli()
	key.Rotation.DeactivateAt = now.Add(gracePeriod).UnixMilli()
	if err := ks.keyRepo.Update(ctx, key.KeyID, key); err != nil {
		return nil, err
	}

	event := NewAuditEvent(types.AuditKeyRotated)
	event.KeyID = key.KeyID
	event.Reason = reason
	event.Detail = map[string]string{"successorKeyId": successor.KeyID}
	ks.audit.Emit(event)

	return successor, nil
}

// ApproveDestruction registers one approver vote for destroying a protected
// key. The same approver counts once.
func (ks *KeyManagerService) ApproveDestruction(ctx context.Context, keyID string, approver string) (int, error) {
	lock := ks.lockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	key, err := ks.GetKey(ctx, keyID)
	if err != nil {
		return 0, err
	}
	if key.Terminal() {
		return 0, fmt.Errorf("%w: key already destroyed", types.ErrKeyLifecycle)
	}
	for _, a := range key.DeletionProtection.Approvals {
		if a.Approver == approver {
			return len(key.DeletionProtection.Approvals), nil
		}
	}
	key.DeletionProtection.Approvals = append(key.DeletionProtection.Approvals, types.Approval{
		ID:       uuid.NewString(),
		Approver: approver,
		Created:  time.Now().UTC().UnixMilli(),
	})
	if err := ks.keyRepo.Update(ctx, key.KeyID, key); err != nil {
		return 0, err
	}
	return len(key.DeletionProtection.Approvals), nil
}

// DestroyKey overwrites the wrapped material with random bytes before
// finalizing the terminal state, so even the stored blob stops unwrapping.
// Protected keys need the configured number of approvals unless the key is
// compromised or emergency is set.
func (ks *KeyManagerService) DestroyKey(ctx context.Context, keyID string, reason string, emergency bool) error {
	lock := ks.lockFor(keyID)
	lock.Lock()
	defer lock.Unlock()

	key, err := ks.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if key.Terminal() {
		return fmt.Errorf("%w: key already destroyed", types.ErrKeyLifecycle)
	}

	target := types.KeyStateDestroyed
	if key.State == types.KeyStateCompromised {
		target = types.KeyStateDestroyedCompromised
	}
	if !key.CanTransition(target) {
		return fmt.Errorf("%w: cannot destroy key in state %s", types.ErrKeyLifecycle, key.State)
	}

	if key.DeletionProtection.Enabled && !emergency && key.State != types.KeyStateCompromised {
		if len(key.DeletionProtection.Approvals) < key.DeletionProtection.RequiredApprovals {
			return fmt.Errorf("%w: %d of %d", types.ErrInsufficientApprovals,
				len(key.DeletionProtection.Approvals), key.DeletionProtection.RequiredApprovals)
		}
	}

	// overwrite first, finalize second. A crash in between leaves a key that
	// fails every unwrap, which is the safe direction.
	garbage := make([]byte, 64)
	if _, err := rand.Read(garbage); err != nil {
		return err
	}
	key.WrappedMaterial = base64.StdEncoding.EncodeToString(garbage)
	if err := ks.keyRepo.Update(ctx, key.KeyID, key); err != nil {
		return err
	}

	key.State = target
	key.DestroyedAt = time.Now().UTC().UnixMilli()
	key.DestroyReason = reason
	if err := ks.keyRepo.Update(ctx, key.KeyID, key); err != nil {
		return err
	}
	ks.emitKeyEvent(types.AuditKeyDestroyed, key, reason)
	return nil
}

// KeyForEncrypt loads, checks and unwraps a key for an encryption operation.
// Rotated keys inside their grace window refuse to encrypt.
func (ks *KeyManagerService) KeyForEncrypt(ctx context.Context, keyID string, principal string) ([]byte, *types.EncryptionKey, error) {
	key, err := ks.GetKey(ctx, keyID)
	if err != nil {
		return nil, nil, err
	}
	if !key.CanEncrypt() {
		return nil, nil, fmt.Errorf("%w: key %s in state %s cannot encrypt", types.ErrKeyLifecycle, keyID, key.State)
	}
	if !key.CanBeUsedBy(principal) {
		return nil, nil, fmt.Errorf("%w: %s may not use key %s", types.ErrNotAuthorized, principal, keyID)
	}
	material, uErr := ks.kek.Unwrap(ctx, key.KekID, key.WrappedMaterial)
	if uErr != nil {
		return nil, nil, uErr
	}
	if iErr := ks.incrementUsage(ctx, key, true); iErr != nil {
		crypto.Zero(material)
		return nil, nil, iErr
	}
	return material, key, nil
}

// KeyForDecrypt is the decrypt side counterpart, it additionally accepts
// rotated keys still inside their grace window
func (ks *KeyManagerService) KeyForDecrypt(ctx context.Context, keyID string, principal string) ([]byte, *types.EncryptionKey, error) {
	key, err := ks.GetKey(ctx, keyID)
	if err != nil {
		return nil, nil, err
	}
	if !key.CanDecrypt() {
		return nil, nil, fmt.Errorf("%w: key %s in state %s cannot decrypt", types.ErrKeyLifecycle, keyID, key.State)
	}
	if !key.CanBeUsedBy(principal) {
		return nil, nil, fmt.Errorf("%w: %s may not use key %s", types.ErrNotAuthorized, principal, keyID)
	}
	material, uErr := ks.kek.Unwrap(ctx, key.KekID, key.WrappedMaterial)
	if uErr != nil {
		return nil, nil, uErr
	}
	if iErr := ks.incrementUsage(ctx, key, false); iErr != nil {
		crypto.Zero(material)
		return nil, nil, iErr
	}
	return material, key, nil
}

// UnwrapMaterial hands back raw material without usage accounting, for
// internal consumers like the prekey store
func (ks *KeyManagerService) UnwrapMaterial(ctx context.Context, key *types.EncryptionKey) ([]byte, error) {
	return ks.kek.Unwrap(ctx, key.KekID, key.WrappedMaterial)
}

// WrapMaterial wraps arbitrary material under the current KEK
func (ks *KeyManagerService) WrapMaterial(ctx context.Context, material []byte) (string, string, error) {
	return ks.kek.Wrap(ctx, material)
}

// incrementUsage bumps the counters and suspends the key once it spends its
// operations budget
func (ks *KeyManagerService) incrementUsage(ctx context.Context, key *types.EncryptionKey, encrypt bool) error {
	lock := ks.lockFor(key.KeyID)
	lock.Lock()
	defer lock.Unlock()

	// reload under the lock so concurrent users don't lose counts
	current, err := ks.GetKey(ctx, key.KeyID)
	if err != nil {
		return err
	}
	current.Usage.Operations++
	if encrypt {
		current.Usage.EncryptOps++
	} else {
		current.Usage.DecryptOps++
	}
	current.Usage.LastUsedAt = time.Now().UTC().UnixMilli()

	exceeded := current.Policy.MaxOperations > 0 &&
		current.Usage.Operations >= current.Policy.MaxOperations &&
		current.State == types.KeyStateActive
	if exceeded {
		current.State = types.KeyStateSuspended
	}
	if err := ks.keyRepo.Update(ctx, current.KeyID, current); err != nil {
		return err
	}
	if exceeded {
		ks.emitKeyEvent(types.AuditKeyUsageExceeded, current, "operations budget spent")
		ks.emitKeyEvent(types.AuditKeySuspended, current, "operations budget spent")
	}
	key.Usage = current.Usage
	key.State = current.State
	return nil
}

// keySweepView is the view structure for the grace and rotation sweeps
type keySweepView struct {
	TotalRows int64         `json:"total_rows"`
	Offset    int64         `json:"offset"`
	Rows      []keySweepRow `json:"rows"`
}

type keySweepRow struct {
	ID    string      `json:"id"`
	Key   int64       `json:"key"`   // key is the due timestamp
	Value interface{} `json:"value"` // value is _rev
}

// SweepGracePeriods deactivates rotated keys whose persisted grace window
// ended. Runs from cron and the task queue, loops until the view drains.
func (ks *KeyManagerService) SweepGracePeriods() {
	totalRows := int64(1) // start value to enter the loop
	for totalRows > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()

		now := time.Now().UTC().UnixMilli()
		query := fmt.Sprintf("_design/key/_view/deactivate_due?endkey=%d&limit=100", now)
		response, err := ks.keyRepo.GetByID(ctx, query)
		if err != nil {
			level.Error(global.Logger).Log("error", "failed to query grace period view", "err", err.Error())
			return
		}
		var due keySweepView
		if mErr := repository.MapToObject(response, &due); mErr != nil {
			level.Error(global.Logger).Log("error", "failed to map grace period view", "err", mErr.Error())
			return
		}
		deactivated := 0
		for _, row := range due.Rows {
			if err := ks.DeactivateKey(ctx, row.ID, "grace period ended"); err != nil {
				level.Error(global.Logger).Log("error", "failed to deactivate key after grace period", "keyId", row.ID, "err", err.Error())
				continue
			}
			deactivated++
		}
		if deactivated == 0 {
			return
		}
		totalRows = int64(len(due.Rows))
	}
}

// RotationDueKeyIDs returns keys whose rotation policy is due, for the
// rotation scan to enqueue
func (ks *KeyManagerService) RotationDueKeyIDs(ctx context.Context) ([]string, error) {
	now := time.Now().UTC().UnixMilli()
	query := fmt.Sprintf("_design/key/_view/rotation_due?endkey=%d&limit=100", now)
	response, err := ks.keyRepo.GetByID(ctx, query)
	if err != nil {
		return nil, err
	}
	var due keySweepView
	if mErr := repository.MapToObject(response, &due); mErr != nil {
		return nil, mErr
	}
	ids := make([]string, 0, len(due.Rows))
	seen := map[string]bool{}
	for _, row := range due.Rows {
		// the view may emit the same key for both age and usage
		if !seen[row.ID] {
			seen[row.ID] = true
			ids = append(ids, row.ID)
		}
	}
	return ids, nil
}

func (ks *KeyManagerService) emitKeyEvent(kind string, key *types.EncryptionKey, reason string) {
	event := NewAuditEvent(kind)
	event.KeyID = key.KeyID
	event.Principal = key.Owner
	event.Reason = reason
	ks.audit.Emit(event)
}
