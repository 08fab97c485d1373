package worker

import (
	"context"
	"time"

	"github.com/probeops/inquest/internal/queue/streams"
)

// runJanitor periodically reclaims deliveries abandoned by dead workers,
// prunes old finished job rows, and logs consumer group health.
func (p *Processor) runJanitor(ctx context.Context) {
	interval := p.opts.JanitorInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reclaimAbandoned(ctx)
			p.pruneJobs(ctx)
			p.logLag(ctx)
		}
	}
}

// reclaimAbandoned takes over pending deliveries whose consumer stopped
// acking. The idle threshold is twice the lease TTL so the original holder's
// lease has lapsed before the message runs again here.
func (p *Processor) reclaimAbandoned(ctx context.Context) {
	minIdle := 2 * p.opts.LeaseTTL
	if minIdle <= 0 {
		minIdle = time.Minute
	}
	start := "0-0"
	for {
		msgs, next, err := p.consumer.AutoClaim(ctx, streams.StreamInvestigationEnqueued, minIdle, start, 16)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Printf("warn: autoclaim pending deliveries: %v", err)
			}
			return
		}
		for _, msg := range msgs {
			p.logger.Printf("reclaimed abandoned job message %s", msg.ID)
			p.process(ctx, msg)
		}
		if next == "0-0" {
			return
		}
		start = next
	}
}

// pruneJobs deletes finished job rows older than the retention window.
func (p *Processor) pruneJobs(ctx context.Context) {
	if p.opts.JobRetention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-p.opts.JobRetention)
	n, err := p.store.PruneFinishedJobs(ctx, cutoff)
	if err != nil {
		p.logger.Printf("warn: prune finished jobs: %v", err)
		return
	}
	if n > 0 {
		p.logger.Printf("pruned %d finished jobs older than %s", n, p.opts.JobRetention)
	}
}

// logLag emits a periodic queue health line.
func (p *Processor) logLag(ctx context.Context) {
	m, err := p.consumer.LagMetrics(ctx, streams.StreamInvestigationEnqueued)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Printf("warn: read queue lag: %v", err)
		}
		return
	}
	p.logger.Printf("queue health: pending=%d lag=%d consumers=%d oldest_idle=%s",
		m.Pending, m.Lag, m.Consumers, m.OldestIdle)
}
