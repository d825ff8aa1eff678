// Package execlog publishes execution audit records to a Redis stream.
// Publishing is best-effort: the dispatch path never fails because the
// audit trail is unavailable.
package execlog

import (
	"context"
	"time"

	"github.com/maxdp/dataplane/common/logger"
	"github.com/maxdp/dataplane/common/redis"
)

// Record is one dispatch outcome
type Record struct {
	ExecutionID string
	APIID       string
	Endpoint    string
	Status      string // "success" or "error"
	DurationMS  int64
}

// Publisher appends records to a Redis stream. A nil Publisher is valid
// and drops everything.
type Publisher struct {
	redis  *redis.Client
	stream string
	log    *logger.Logger
}

// NewPublisher creates a stream publisher. redis may be nil, in which case
// Publish is a no-op.
func NewPublisher(client *redis.Client, stream string, log *logger.Logger) *Publisher {
	return &Publisher{redis: client, stream: stream, log: log}
}

// Publish appends one record asynchronously. Errors are logged, never
// returned.
func (p *Publisher) Publish(rec Record) {
	if p == nil || p.redis == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_, err := p.redis.AddToStream(ctx, p.stream, map[string]interface{}{
			"execution_id": rec.ExecutionID,
			"api_id":       rec.APIID,
			"endpoint":     rec.Endpoint,
			"status":       rec.Status,
			"duration_ms":  rec.DurationMS,
			"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil && p.log != nil {
			p.log.Warn("execution log publish failed", "execution_id", rec.ExecutionID, "error", err.Error())
		}
	}()
}
