package usecase

import (
	"context"
	"fmt"

	"BookPulse/internal/domain/models"
	"BookPulse/pkg/logger"
)

// FrameLoader reads archived frames in arrival order.
type FrameLoader func(dir string) ([]models.RawFrame, error)

// DirReplay feeds a directory archive back through the router once, in file
// order, then goes idle. Stats keep being reported for the replayed series.
type DirReplay struct {
	dir    string
	load   FrameLoader
	router *FrameRouter
	log    *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewDirReplay(dir string, load FrameLoader, router *FrameRouter, log *logger.Logger) *DirReplay {
	return &DirReplay{dir: dir, load: load, router: router, log: log, done: make(chan struct{})}
}

// Start loads the archive up front so a missing or empty directory fails
// startup instead of producing an idle service.
func (r *DirReplay) Start(ctx context.Context) error {
	frames, err := r.load(r.dir)
	if err != nil {
		return fmt.Errorf("load archive %s: %w", r.dir, err)
	}
	if len(frames) == 0 {
		return fmt.Errorf("no archived frames in %s", r.dir)
	}
	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx, frames)
	return nil
}

func (r *DirReplay) run(ctx context.Context, frames []models.RawFrame) {
	defer close(r.done)
	for i, f := range frames {
		if err := r.router.Route(ctx, f); err != nil {
			r.log.Warn("directory replay stopped",
				logger.Int("replayed", i),
				logger.Int("total", len(frames)),
				logger.Error(err))
			return
		}
	}
	r.log.Info("directory replay finished", logger.Int("frames", len(frames)), logger.String("dir", r.dir))
}

// Done is closed once every frame was routed or the replay was stopped.
func (r *DirReplay) Done() <-chan struct{} { return r.done }

func (r *DirReplay) Shutdown(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
