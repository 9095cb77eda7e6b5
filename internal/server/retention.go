package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/hourglass-hq/hourglass/internal/config"
	"github.com/hourglass-hq/hourglass/internal/store"
)

// Retention prunes old audit records on a cron schedule. A redis lock keeps
// multiple replicas from pruning at the same time.
type Retention struct {
	Store  *store.Store
	Rdb    *redis.Client
	Config config.RetentionConfig
	Stop   chan struct{}
	Logger *log.Logger

	lastRun time.Time
}

func (r *Retention) Start() {
	if !r.Config.Enabled {
		return
	}
	if r.Logger == nil {
		r.Logger = log.New(log.Writer(), "[RETAIN] ", log.LstdFlags)
	}
	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-r.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				r.tick()
			}
		}
	}()
}

func (r *Retention) tick() {
	if !r.due(time.Now()) {
		return
	}
	ctx := context.Background()
	if r.Rdb != nil {
		ok, _ := r.Rdb.SetNX(ctx, "retention:lock", "1", 10*time.Minute).Result()
		if !ok {
			return
		}
		defer r.Rdb.Del(ctx, "retention:lock")
	}

	cutoff := time.Now().Add(-r.Config.MaxAge)
	n, err := r.Store.PruneAuditRecords(ctx, cutoff)
	if err != nil {
		r.Logger.Printf("pruning audit records: %v", err)
		return
	}
	r.lastRun = time.Now()
	r.Logger.Printf("pruned %d audit records older than %s", n, cutoff.Format(time.RFC3339))
}

func (r *Retention) due(now time.Time) bool {
	expr, err := cronexpr.Parse(r.Config.Schedule)
	if err != nil {
		// Invalid schedule degrades to daily pruning.
		return r.lastRun.IsZero() || now.Sub(r.lastRun) >= 24*time.Hour
	}
	base := r.lastRun
	if base.IsZero() {
		base = now.Add(-time.Minute)
	}
	next := expr.Next(base)
	return !next.After(now)
}
