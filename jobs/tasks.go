package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/changerplanet/webwaka-core-permissions/internal/rbac"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskIndexResync rebuilds the evaluation index of one tenant, or of
	// every known tenant, from canonical storage.
	TaskIndexResync = "rbac:resync"
	// AllTenants as the task payload's tenant selects every tenant known
	// to the role store.
	AllTenants = "*"
)

// IndexResyncPayload names the tenant whose index should be rebuilt.
type IndexResyncPayload struct {
	TenantID string `json:"tenantId"`
}

// NewIndexResyncTask constructs an Asynq task.
func NewIndexResyncTask(tenantID string) (*asynq.Task, error) {
	data, err := json.Marshal(IndexResyncPayload{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIndexResync, data), nil
}

// IndexResyncJob processes TaskIndexResync tasks. The worker rebuilds its
// own index from canonical storage, which verifies the rebuild succeeds,
// then broadcasts an invalidation so every serving replica does the same.
type IndexResyncJob struct {
	service *rbac.Service
	bus     *rbac.InvalidationBus
	logger  *slog.Logger
}

// NewIndexResyncJob builds an IndexResyncJob instance. The bus may be nil.
func NewIndexResyncJob(service *rbac.Service, bus *rbac.InvalidationBus, logger *slog.Logger) *IndexResyncJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexResyncJob{service: service, bus: bus, logger: logger}
}

// Handle rebuilds the requested index. Malformed payloads are dropped
// instead of retried.
func (j *IndexResyncJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload IndexResyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		j.logger.Error("index resync payload", slog.Any("error", err))
		return asynq.SkipRetry
	}
	if payload.TenantID == "" || payload.TenantID == AllTenants {
		tenants, err := j.service.TenantIDs(ctx)
		if err != nil {
			return err
		}
		for _, tenantID := range tenants {
			if err := j.resyncTenant(ctx, tenantID); err != nil {
				return err
			}
		}
		return nil
	}
	return j.resyncTenant(ctx, payload.TenantID)
}

func (j *IndexResyncJob) resyncTenant(ctx context.Context, tenantID string) error {
	if err := j.service.Resync(ctx, tenantID); err != nil {
		return err
	}
	if j.bus != nil {
		if err := j.bus.Publish(ctx, tenantID); err != nil {
			j.logger.Warn("broadcast resync", slog.String("tenant", tenantID), slog.Any("error", err))
		}
	}
	return nil
}
