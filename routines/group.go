package routines

import (
	"context"
	"sync"

	"go.uber.org/multierr"
)

// Group spawns routines on one scheduler and waits for all of them.
type Group struct {
	scheduler *Scheduler
	ctx       context.Context

	mu       sync.Mutex
	routines []*Routine
}

func NewGroup(ctx context.Context, s *Scheduler) *Group {
	return &Group{scheduler: s, ctx: ctx}
}

func (g *Group) Spawn(work Work) *Routine {
	r := g.scheduler.SpawnContext(g.ctx, work)
	g.mu.Lock()
	g.routines = append(g.routines, r)
	g.mu.Unlock()
	return r
}

// Cancel cancels every routine of the group.
func (g *Group) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.routines {
		r.Cancel()
	}
}

// Wait waits for all routines spawned so far and combines their failures.
func (g *Group) Wait(ctx context.Context) error {
	g.mu.Lock()
	rs := append([]*Routine(nil), g.routines...)
	g.mu.Unlock()

	var err error
	for _, r := range rs {
		if werr := Await(ctx, r.Done()); werr != nil {
			return multierr.Append(err, werr)
		}
		err = multierr.Append(err, r.Err())
	}
	return err
}
