package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/parley-chat/go-parley-e2ee/global"
	"github.com/parley-chat/go-parley-e2ee/repository"
	"github.com/parley-chat/go-parley-e2ee/types"
)

// AuditEmitter hands security relevant events to whoever records them.
// Emitting never fails the operation that produced the event.
type AuditEmitter interface {
	Emit(event *types.AuditEvent)
}

// NewAuditEvent stamps id and time on an event
func NewAuditEvent(kind string) *types.AuditEvent {
	return &types.AuditEvent{
		EventID: uuid.NewString(),
		Kind:    kind,
		Created: time.Now().UTC().UnixMilli(),
	}
}

// QueueAuditEmitter pushes events onto the task queue so persistence happens
// off the crypto path
type QueueAuditEmitter struct {
	env *types.Environment
}

func NewQueueAuditEmitter(env *types.Environment) *QueueAuditEmitter {
	return &QueueAuditEmitter{env: env}
}

func (q *QueueAuditEmitter) Emit(event *types.AuditEvent) {
	if q.env == nil || q.env.TaskClient == nil {
		// queue not wired yet, keep the event in the log at least
		(&LogAuditEmitter{}).Emit(event)
		return
	}
	task, err := types.NewAuditEventTask(event)
	if err != nil {
		level.Error(global.Logger).Log("error", "failed to create audit task", "kind", event.Kind, "err", err.Error())
		return
	}
	if _, eErr := q.env.TaskClient.Enqueue(task); eErr != nil {
		level.Error(global.Logger).Log("error", "failed to enqueue audit event", "kind", event.Kind, "err", eErr.Error())
	}
}

// LogAuditEmitter writes events to the process log, used when no queue is wired
type LogAuditEmitter struct{}

func (l *LogAuditEmitter) Emit(event *types.AuditEvent) {
	global.Logger.Log("audit", event.Kind, "keyId", event.KeyID, "sessionId", event.SessionID, "principal", event.Principal, "reason", event.Reason)
}

// NopAuditEmitter swallows events, for tests
type NopAuditEmitter struct{}

func (n *NopAuditEmitter) Emit(event *types.AuditEvent) {}

// AuditService persists events, called by the queue worker
type AuditService struct {
	auditRepo repository.Repository
}

func NewAuditService(dbSelector repository.DBSelector) *AuditService {
	db, err := dbSelector.ChooseDB(repository.Audit)
	if err != nil {
		panic(err)
	}
	return &AuditService{auditRepo: db}
}

func (as *AuditService) Record(ctx context.Context, event *types.AuditEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Created == 0 {
		event.Created = time.Now().UTC().UnixMilli()
	}
	return as.auditRepo.Save(ctx, event.EventID, event)
}

// History returns the lifecycle trail of a single key, newest first
func (as *AuditService) History(ctx context.Context, keyID string, limit int) ([]*types.AuditEvent, error) {
	if keyID == "" {
		return nil, types.ErrBadRequest
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var couchdbError types.CouchDBError
	cl := as.auditRepo.GetClient().(*resty.Client)
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"keyId": keyID,
		},
		"use_index": []string{"auditKeyCreated-index", "auditKeyCreated-index"},
		"limit":     limit,
		"sort":      []map[string]string{{"keyId": "desc"}, {"created": "desc"}},
	}
	response, err := cl.R().SetContext(ctx).SetError(&couchdbError).SetBody(query).Post(fmt.Sprintf("%s/_find", as.auditRepo.GetDBName()))
	if err != nil {
		return nil, err
	}
	if response.IsError() {
		return nil, fmt.Errorf("error while fetching audit history: %s", couchdbError.Error)
	}

	var respObj struct {
		Docs []*types.AuditEvent `json:"docs"`
	}
	if mErr := json.Unmarshal(response.Body(), &respObj); mErr != nil {
		return nil, mErr
	}
	return respObj.Docs, nil
}
