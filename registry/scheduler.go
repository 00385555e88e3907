/*
scheduler.go - Periodic registry sync

PURPOSE:
  Pulls recently issued invoices from the registry on a fixed interval so
  documents that were never uploaded still reach the ledger.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Each run covers [now - Window, now]; overlapping windows are harmless
    because the Reconciler turns repeats into duplicates
  - A run requested while another is active is skipped

USAGE:
  scheduler := NewScheduler(syncer, logger)
  scheduler.Interval = 15 * time.Minute
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Scheduler struct {
	Syncer   *Syncer
	Interval time.Duration
	Window   time.Duration
	Enabled  bool

	log    *logrus.Entry
	now    func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu     sync.Mutex
	lastReport *SyncReport
}

func NewScheduler(syncer *Syncer, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		Syncer:   syncer,
		Interval: time.Hour,
		Window:   72 * time.Hour,
		Enabled:  true,
		log:      logger.WithField("module", "registry-scheduler"),
		now:      time.Now,
	}
}

// Start begins the scheduler. The first run happens immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.Interval <= 0 {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx)

	s.log.WithField("interval", s.Interval.String()).Info("started")
}

// Stop cancels an in-flight run and waits for the goroutine to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	s.RunNow(ctx)
	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow syncs the current window once.
func (s *Scheduler) RunNow(ctx context.Context) {
	to := s.now()
	from := to.Add(-s.Window)

	report, err := s.Syncer.Run(ctx, from, to)
	if errors.Is(err, ErrSyncInProgress) {
		s.log.Debug("previous sync still running, skipping")
		return
	}
	if err != nil {
		s.log.WithError(err).Error("scheduled sync failed")
	}

	s.lastMu.Lock()
	s.lastReport = &report
	s.lastMu.Unlock()
}

// LastReport returns the report of the most recent run, if any.
func (s *Scheduler) LastReport() (SyncReport, bool) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if s.lastReport == nil {
		return SyncReport{}, false
	}
	return *s.lastReport, true
}
