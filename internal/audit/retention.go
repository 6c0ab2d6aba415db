package audit

import (
	"context"
	"time"

	"lead_router_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultRetentionInterval = time.Hour
	defaultMirrorRetention   = 180 * 24 * time.Hour
)

// MirrorRetention periodically purges mirrored records past the retention window.
type MirrorRetention struct {
	pool      *pgxpool.Pool
	log       *logger.Logger
	interval  time.Duration
	retention time.Duration
}

func NewMirrorRetention(pool *pgxpool.Pool, log *logger.Logger, interval, retention time.Duration) *MirrorRetention {
	if interval <= 0 {
		interval = defaultRetentionInterval
	}
	if retention <= 0 {
		retention = defaultMirrorRetention
	}
	return &MirrorRetention{pool: pool, log: log, interval: interval, retention: retention}
}

func (c *MirrorRetention) Run(ctx context.Context) {
	if c == nil || c.pool == nil {
		return
	}

	c.cleanup(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

func (c *MirrorRetention) cleanup(ctx context.Context) {
	before := time.Now().Add(-c.retention)

	tag, err := c.pool.Exec(ctx, `DELETE FROM handoff_records WHERE decided_at < $1`, before)
	if err != nil {
		c.log.Warn("handoff mirror cleanup failed", "error", err)
		return
	}

	if deleted := tag.RowsAffected(); deleted > 0 {
		c.log.Info("handoff mirror cleanup deleted records", "deleted", deleted)
	}
}
