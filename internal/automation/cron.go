package automation

import (
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

// Scheduler fires cron-scheduled rules. It ticks once a minute, checks
// every enabled rule with a schedule, and triggers due ones directly,
// also emitting timer:cron on the bus for observability.
type Scheduler struct {
	engine *Engine
	store  *RuleStore
	bus    bus.Publisher
	cron   *gronx.Gronx
	done   chan struct{}
}

func NewScheduler(engine *Engine, store *RuleStore, eventBus bus.Publisher) *Scheduler {
	return &Scheduler{
		engine: engine,
		store:  store,
		bus:    eventBus,
		cron:   gronx.New(),
		done:   make(chan struct{}),
	}
}

// Start runs the scheduler loop until Stop. The first tick is aligned
// to the next minute boundary.
func (s *Scheduler) Start() {
	go func() {
		next := time.Now().Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(time.Until(next))
		defer timer.Stop()
		for {
			select {
			case <-s.done:
				return
			case now := <-timer.C:
				s.tick(now)
				next = next.Add(time.Minute)
				timer.Reset(time.Until(next))
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	close(s.done)
}

// tick fires every scheduled rule whose cron expression is due. A
// disabled engine suppresses cron firings the same as event-driven
// rules.
func (s *Scheduler) tick(now time.Time) {
	if !s.engine.Enabled() {
		return
	}
	for _, rule := range s.store.Scheduled() {
		due, err := s.cron.IsDue(rule.Schedule, now)
		if err != nil {
			slog.Warn("automation.cron_check_failed", "rule", rule.ID, "schedule", rule.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}
		payload := map[string]interface{}{
			"ruleId":   rule.ID,
			"schedule": rule.Schedule,
			"firedAt":  now.Format(time.RFC3339),
		}
		s.bus.Emit(protocol.EventTimerCron, payload)
		slog.Info("automation.cron_fired", "rule", rule.ID, "schedule", rule.Schedule)
		go s.engine.execute(rule.ID, protocol.EventTimerCron, payload, 0, false)
	}
}
