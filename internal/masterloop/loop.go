package masterloop

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// Loop drives a fixed set of Environments: a populator ticker that fires
// every CheckInterval seconds and a dispatcher ticker that fires five times
// as often, so an idle long-lived session doesn't sit on a pending build any
// longer than it has to. Grounded on the errgroup-supervised ticker workers
// of the teacher's batch scheduler.
type Loop struct {
	Environments  []*Environment
	CheckInterval time.Duration
}

// Run blocks until ctx is cancelled, running the populator and dispatcher
// concurrently via an errgroup so either's panic-free error cancels both.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	dispatchInterval := interval / 5
	if dispatchInterval <= 0 {
		dispatchInterval = time.Second
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		next := 0
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				// Round-robin: each tick starts one environment further
				// along, so no environment always waits behind the others.
				n := len(l.Environments)
				for i := 0; i < n; i++ {
					l.Environments[(next+i)%n].populate(ctx)
				}
				if n > 0 {
					next = (next + 1) % n
				}
			}
		}
	})

	eg.Go(func() error {
		ticker := time.NewTicker(dispatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				for _, env := range l.Environments {
					env.dispatch(ctx)
				}
			}
		}
	})

	err := eg.Wait()
	if err == context.Canceled {
		log.Printf("masterloop: shutting down")
		return nil
	}
	return err
}
