package asynqadp

import (
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// Inspector reads one tenant's queue depths for health reporting. Depth here
// means every job that still has work ahead of it, so pending, in-flight,
// scheduled, and retry-wait all count.
type Inspector struct {
	insp     *asynq.Inspector
	prefix   string
	tenantID string
}

// NewInspector connects an Inspector to the queue substrate.
func NewInspector(redisURL, prefix, tenantID string) (*Inspector, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.inspector: %w", err)
	}
	return &Inspector{insp: asynq.NewInspector(opt), prefix: prefix, tenantID: tenantID}, nil
}

// Depths returns outstanding job counts per queue class. Classes whose queue
// does not exist yet, or that cannot be read, are reported as absent rather
// than zero so a Redis outage is distinguishable from an idle tenant.
func (i *Inspector) Depths() map[string]int {
	classes := []string{domain.QueueSync, domain.QueueWebhook, domain.QueueAlert, domain.QueueStockUpdate}
	out := make(map[string]int, len(classes))
	for _, class := range classes {
		info, err := i.insp.GetQueueInfo(domain.QueueName(i.prefix, i.tenantID, class))
		if err != nil {
			continue
		}
		out[class] = info.Pending + info.Active + info.Scheduled + info.Retry
	}
	return out
}

// Close releases the inspector's Redis connection.
func (i *Inspector) Close() error { return i.insp.Close() }
