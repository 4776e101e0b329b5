package sessionstore

import (
	"context"
	"time"

	"github.com/solace-custody/musig-signerd/pkg/logging"
)

// Sweeper periodically deletes expired session rows. It runs independently
// of whatever RPC created those rows; an in-flight signing attempt on an
// expired session is simply abandoned.
type Sweeper struct {
	store    *Store
	interval time.Duration
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweeper builds a Sweeper that checks for expired sessions every interval.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		store:    store,
		interval: interval,
		log:      logging.GetDefault().Component("session-sweeper"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the sweeper's background goroutine.
func (w *Sweeper) Start() {
	go w.run()
	w.log.Info("session sweeper started", "interval", w.interval)
}

// Stop cancels the background goroutine.
func (w *Sweeper) Stop() {
	w.cancel()
	w.log.Info("session sweeper stopped")
}

func (w *Sweeper) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			n, err := w.store.SweepExpired()
			if err != nil {
				w.log.Warn("failed to sweep expired sessions", "error", err)
				continue
			}
			if n > 0 {
				w.log.Debug("swept expired sessions", "count", n)
			}
		}
	}
}
