package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
	"github.com/hibiken/asynq"

	"github.com/parley-chat/go-parley-e2ee/global"
	"github.com/parley-chat/go-parley-e2ee/repository"
	"github.com/parley-chat/go-parley-e2ee/services"
	"github.com/parley-chat/go-parley-e2ee/types"
)

// LifecycleQueue processes the engines background tasks: key rotation, grace
// period sweeps, session expiry, prekey replenishment and audit persistence.
// Crypto failures are never retried, persistence failures are.
type LifecycleQueue struct {
	keyService    *services.KeyManagerService
	prekeyService *services.PreKeyService
	sessionStore  *services.SessionStoreService
	auditService  *services.AuditService
	env           *types.Environment
}

func NewLifecycleQueue(dbSelector repository.DBSelector, env *types.Environment) *LifecycleQueue {
	kek, err := services.NewKekProviderFromConfig(&global.Conf)
	if err != nil {
		level.Error(global.Logger).Log("msg", "failed to configure kek provider", "err", err)
		panic(err)
	}
	audit := services.NewQueueAuditEmitter(env)
	keyService := services.NewKeyManagerService(dbSelector, kek, audit)
	prekeyService := services.NewPreKeyService(dbSelector, keyService, audit)
	sessionStore := services.NewSessionStoreService(dbSelector, env, audit)
	auditService := services.NewAuditService(dbSelector)

	return &LifecycleQueue{
		keyService:    keyService,
		prekeyService: prekeyService,
		sessionStore:  sessionStore,
		auditService:  auditService,
		env:           env,
	}
}

// ProcessKeyTask handles key rotation and grace period sweeps
func (lq *LifecycleQueue) ProcessKeyTask(ctx context.Context, t *asynq.Task) error {
	switch t.Type() {
	case types.QueueTypeKeyRotate:
		var task types.KeyRotateTask
		if err := json.Unmarshal(t.Payload(), &task); err != nil {
			return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
		}
		if task.KeyID == "" {
			return fmt.Errorf("rotate task without a key id: %w", asynq.SkipRetry)
		}
		reason := task.Reason
		if reason == "" {
			reason = "rotation policy"
		}
		if _, err := lq.keyService.RotateKey(ctx, task.KeyID, reason); err != nil {
			if errors.Is(err, types.ErrKeyLifecycle) {
				// another worker already rotated it, the job is done
				level.Info(global.Logger).Log("msg", "key already rotated", "keyId", task.KeyID)
				return nil
			}
			if errors.Is(err, types.ErrNotFound) {
				return fmt.Errorf("rotate task for unknown key %s: %w", task.KeyID, asynq.SkipRetry)
			}
			return err
		}
	case types.QueueTypeKeyGraceSweep:
		lq.keyService.SweepGracePeriods()
	default:
		return fmt.Errorf("unexpected task type: %s, %w", t.Type(), asynq.SkipRetry)
	}
	return nil
}

// ProcessSessionTask handles session expiry sweeps
func (lq *LifecycleQueue) ProcessSessionTask(ctx context.Context, t *asynq.Task) error {
	switch t.Type() {
	case types.QueueTypeSessionExpireSweep:
		lq.sessionStore.ExpireSessions()
	default:
		return fmt.Errorf("unexpected task type: %s, %w", t.Type(), asynq.SkipRetry)
	}
	return nil
}

// ProcessPreKeyTask tops up a users one time prekey pool
func (lq *LifecycleQueue) ProcessPreKeyTask(ctx context.Context, t *asynq.Task) error {
	if t.Type() != types.QueueTypePreKeyReplenish {
		return fmt.Errorf("unexpected task type: %s, %w", t.Type(), asynq.SkipRetry)
	}
	var task types.PreKeyReplenishTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if task.UserID == "" {
		return fmt.Errorf("replenish task without a user id: %w", asynq.SkipRetry)
	}
	if err := lq.prekeyService.ReplenishPreKeys(ctx, task.UserID); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("replenish task for unknown user %s: %w", task.UserID, asynq.SkipRetry)
		}
		return err
	}
	return nil
}

// ProcessAuditTask persists one audit event
func (lq *LifecycleQueue) ProcessAuditTask(ctx context.Context, t *asynq.Task) error {
	if t.Type() != types.QueueTypeAuditEvent {
		return fmt.Errorf("unexpected task type: %s, %w", t.Type(), asynq.SkipRetry)
	}
	var event types.AuditEvent
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if event.Kind == "" {
		return fmt.Errorf("audit event without a kind: %w", asynq.SkipRetry)
	}
	return lq.auditService.Record(ctx, &event)
}

// ScanRotationDue enqueues a rotate task for every key past its rotation
// policy. Runs from cron, the rotations themselves happen on the queue.
func (lq *LifecycleQueue) ScanRotationDue() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	keyIDs, err := lq.keyService.RotationDueKeyIDs(ctx)
	if err != nil {
		level.Error(global.Logger).Log("error", "failed to scan rotation due keys", "err", err.Error())
		return
	}
	for _, keyID := range keyIDs {
		task, tErr := types.NewKeyRotateTask(keyID, "rotation policy")
		if tErr != nil {
			level.Error(global.Logger).Log("error", "failed to create rotate task", "keyId", keyID, "err", tErr.Error())
			continue
		}
		if _, eErr := lq.env.TaskClient.Enqueue(task); eErr != nil {
			level.Error(global.Logger).Log("error", "failed to enqueue rotate task", "keyId", keyID, "err", eErr.Error())
		}
	}
}
