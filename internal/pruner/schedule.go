package pruner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sievemem/sieve/internal/store"
)

// ScheduleRequest registers a future pruning run. Evaluation of the schedule
// is the external consolidation scheduler's job; this API only validates and
// records it.
type ScheduleRequest struct {
	ScheduledTime  time.Time `json:"scheduled_time"`
	Request        Request   `json:"request"`
	RecurrenceCron string    `json:"recurrence_cron,omitempty"`
}

// SchedulePruning validates the registration and persists it. Cron syntax is
// checked here, at registration time, so a bad expression fails fast instead
// of silently never firing.
func (p *Pruner) SchedulePruning(req ScheduleRequest) (*store.ScheduledPruning, error) {
	if req.ScheduledTime.IsZero() {
		return nil, fmt.Errorf("scheduled_time is required")
	}
	if req.RecurrenceCron != "" {
		if _, err := cron.ParseStandard(req.RecurrenceCron); err != nil {
			return nil, fmt.Errorf("invalid recurrence_cron %q: %w", req.RecurrenceCron, err)
		}
	}
	// The registered request must not demand a synchronous run.
	req.Request.Synchronous = false

	doc, err := json.Marshal(req.Request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	s := &store.ScheduledPruning{
		ScheduledTime:  req.ScheduledTime.UnixMilli(),
		Request:        string(doc),
		RecurrenceCron: req.RecurrenceCron,
	}
	if err := p.db.InsertScheduledPruning(s); err != nil {
		return nil, err
	}
	log.Printf("pruner: registered scheduled pruning %d for %s", s.ID, req.ScheduledTime.Format(time.RFC3339))
	return s, nil
}

// ListSchedules returns every registration, soonest first.
func (p *Pruner) ListSchedules() ([]store.ScheduledPruning, error) {
	return p.db.ListScheduledPrunings()
}

// StartAutoPrune watches the edge count and triggers an unattended prune
// when it crosses auto_prune_threshold. Disabled while the threshold or the
// interval is zero. Returns immediately; the watcher stops with the context.
func (p *Pruner) StartAutoPrune(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			p.mu.Lock()
			threshold := p.cfg.AutoPruneThreshold
			interval := p.cfg.AutoPruneInterval
			filter := p.cfg.DefaultFilter
			p.mu.Unlock()
			if threshold <= 0 || interval <= 0 {
				continue
			}

			count, err := p.db.EdgeCount(store.EdgeFilter{})
			if err != nil {
				log.Printf("pruner: auto-prune edge count failed: %v", err)
				continue
			}
			if count < threshold {
				continue
			}
			if p.recentJobWithin(interval) {
				continue
			}

			resp, err := p.TriggerPruning(Request{Filter: filter, Description: "auto-prune threshold crossed"})
			if err != nil {
				log.Printf("pruner: auto-prune trigger failed: %v", err)
				continue
			}
			log.Printf("pruner: auto-prune triggered job %s at %d edges", resp.JobID, count)
		}
	}()
}

// recentJobWithin reports whether any job was created inside the window,
// keeping the watcher from re-triggering every tick.
func (p *Pruner) recentJobWithin(window time.Duration) bool {
	jobs, err := p.db.ListJobs(1)
	if err != nil || len(jobs) == 0 {
		return false
	}
	return time.Since(time.UnixMilli(jobs[0].CreatedAt)) < window
}
