// Package schedule wraps robfig/cron to back the --schedule flag: when
// configured, the loop controller only starts a new iteration once the
// cron expression's next scheduled time has passed, instead of running
// continuously.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Gate reports whether a new loop iteration is due. An empty expression
// means "always due" (the spec's default continuous-run mode).
type Gate struct {
	schedule cron.Schedule
	lastRun  time.Time
}

// NewGate parses expr (standard five-field cron syntax) into a Gate seeded
// so the first call to Due reports true immediately. An empty expr yields a
// Gate that is always due.
func NewGate(expr string) (*Gate, error) {
	if expr == "" {
		return &Gate{}, nil
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", expr, err)
	}
	return &Gate{schedule: sched}, nil
}

// Due reports whether a new loop iteration should start at now, and if so,
// records now as the last run so the next call measures from here. The
// controller polls Due once per would-be iteration rather than sleeping
// until the exact cron tick, so a controller that was busy past the
// scheduled instant still catches the next poll instead of waiting a full
// period.
func (g *Gate) Due(now time.Time) bool {
	if g.schedule == nil {
		return true
	}
	if g.lastRun.IsZero() {
		g.lastRun = now
		return true
	}
	next := g.schedule.Next(g.lastRun)
	if now.Before(next) {
		return false
	}
	g.lastRun = now
	return true
}
