package main

import (
	"fmt"
	"log"

	"github.com/robfig/cron/v3"

	"github.com/gluk-w/kvasbot/internal/audit"
	"github.com/gluk-w/kvasbot/internal/conversation"
)

// sweeper drops abandoned conversations.
type sweeper interface {
	Sweep() int
}

// purger drops expired audit records.
type purger interface {
	PurgeOlderThan(days int) (int64, error)
}

var (
	_ sweeper = (*conversation.Store)(nil)
	_ purger  = (*audit.Auditor)(nil)
)

// startJobs schedules the periodic maintenance jobs and starts the
// scheduler. The caller stops it with Stop.
func startJobs(sweepSpec, purgeSpec string, sessions sweeper, trail purger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(log.Default())),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))

	if _, err := c.AddFunc(sweepSpec, func() { sweepSessions(sessions) }); err != nil {
		return nil, fmt.Errorf("schedule session sweep %q: %w", sweepSpec, err)
	}
	if trail != nil {
		if _, err := c.AddFunc(purgeSpec, func() { purgeAudit(trail) }); err != nil {
			return nil, fmt.Errorf("schedule audit purge %q: %w", purgeSpec, err)
		}
	}

	c.Start()
	log.Printf("[jobs] scheduled session sweep (%s) and audit purge (%s)", sweepSpec, purgeSpec)
	return c, nil
}

func sweepSessions(s sweeper) {
	if n := s.Sweep(); n > 0 {
		log.Printf("[jobs] swept %d expired conversation(s)", n)
	}
}

func purgeAudit(p purger) {
	if _, err := p.PurgeOlderThan(0); err != nil {
		log.Printf("[jobs] ERROR: audit purge: %v", err)
	}
}
