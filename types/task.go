package types

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

var (
	QueueTypeKeyRotate          = "key:rotate"
	QueueTypeKeyGraceSweep      = "key:grace_sweep"
	QueueTypeSessionExpireSweep = "session:expire_sweep"
	QueueTypePreKeyReplenish    = "prekey:replenish"
	QueueTypeAuditEvent         = "audit:event"
)

// KeyRotateTask rotates a single key that passed its rotation policy
type KeyRotateTask struct {
	KeyID  string `json:"keyId" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

// PreKeyReplenishTask tops up a users one time prekey pool
type PreKeyReplenishTask struct {
	UserID string `json:"userId" validate:"required"`
}

func NewKeyRotateTask(keyID string, reason string) (*asynq.Task, error) {
	payload, err := json.Marshal(&KeyRotateTask{KeyID: keyID, Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(QueueTypeKeyRotate, payload), nil
}

func NewKeyGraceSweepTask() *asynq.Task {
	return asynq.NewTask(QueueTypeKeyGraceSweep, nil)
}

func NewSessionExpireSweepTask() *asynq.Task {
	return asynq.NewTask(QueueTypeSessionExpireSweep, nil)
}

func NewPreKeyReplenishTask(userID string) (*asynq.Task, error) {
	payload, err := json.Marshal(&PreKeyReplenishTask{UserID: userID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(QueueTypePreKeyReplenish, payload), nil
}

func NewAuditEventTask(event *AuditEvent) (*asynq.Task, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(QueueTypeAuditEvent, payload), nil
}
