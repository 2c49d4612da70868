package workers

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/monitoring"
)

const (
	restartBackoffBase = time.Second
	restartBackoffCap  = 30 * time.Second
)

// Worker is a long-running loop managed by the supervisor. Run blocks
// until ctx is done (clean exit, nil) or the loop hits an unrecoverable
// error (the supervisor restarts it with backoff).
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// Stats is the point-in-time view of one worker, served on /stats.
type Stats struct {
	Processed uint64    `json:"processed"`
	Failed    uint64    `json:"failed"`
	Restarts  uint64    `json:"restarts"`
	LastError string    `json:"lastError,omitempty"`
	LastRunAt time.Time `json:"lastRunAt"`
}

// Tally is the per-worker counter handed to each worker. Updates flow to
// both the /stats snapshot and the Prometheus collectors.
type Tally struct {
	name string

	mu        sync.Mutex
	processed uint64
	failed    uint64
	restarts  uint64
	lastError string
	lastRunAt time.Time
}

// Done records n successfully processed records.
func (t *Tally) Done(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.processed += uint64(n)
	t.lastRunAt = time.Now()
	t.mu.Unlock()
	monitoring.WorkerProcessed.WithLabelValues(t.name).Add(float64(n))
}

// Fail records one failed record.
func (t *Tally) Fail(err error) {
	t.mu.Lock()
	t.failed++
	if err != nil {
		t.lastError = err.Error()
	}
	t.lastRunAt = time.Now()
	t.mu.Unlock()
	monitoring.WorkerFailed.WithLabelValues(t.name).Inc()
}

func (t *Tally) restarted(err error) {
	t.mu.Lock()
	t.restarts++
	if err != nil {
		t.lastError = err.Error()
	}
	t.mu.Unlock()
	monitoring.WorkerRestarts.WithLabelValues(t.name).Inc()
}

func (t *Tally) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Processed: t.processed,
		Failed:    t.failed,
		Restarts:  t.restarts,
		LastError: t.lastError,
		LastRunAt: t.lastRunAt,
	}
}

// Supervisor owns the worker fleet: it starts every registered worker,
// restarts crashed ones with exponential backoff, and serves aggregate
// stats. Panics inside a worker are contained to that worker.
type Supervisor struct {
	logger zerolog.Logger

	mu      sync.Mutex
	workers []Worker
	tallies map[string]*Tally
	wg      sync.WaitGroup
}

// NewSupervisor builds an empty supervisor.
func NewSupervisor(logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		logger:  logger.With().Str("component", "supervisor").Logger(),
		tallies: make(map[string]*Tally),
	}
}

// Register adds a worker and returns its tally. Must be called before
// Start.
func (s *Supervisor) Register(w Worker) *Tally {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, w)
	t, ok := s.tallies[w.Name()]
	if !ok {
		t = &Tally{name: w.Name()}
		s.tallies[w.Name()] = t
	}
	return t
}

// Tally returns the counter for name, creating it on first use. Lets
// non-supervised components (the ingest path, the hub) report into the
// same /stats view.
func (s *Supervisor) Tally(name string) *Tally {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tallies[name]; ok {
		return t
	}
	t := &Tally{name: name}
	s.tallies[name] = t
	return t
}

// Start launches every registered worker. Each runs in its own goroutine
// with a restart loop until ctx is done.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	workers := make([]Worker, len(s.workers))
	copy(workers, s.workers)
	s.mu.Unlock()

	for _, w := range workers {
		s.wg.Add(1)
		go s.supervise(ctx, w)
	}
	s.logger.Info().Int("workers", len(workers)).Msg("Worker fleet started")
}

// Wait blocks until every worker goroutine has exited.
func (s *Supervisor) Wait() { s.wg.Wait() }

// Snapshot returns the current stats of every tracked worker.
func (s *Supervisor) Snapshot() map[string]Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Stats, len(s.tallies))
	for name, t := range s.tallies {
		out[name] = t.snapshot()
	}
	return out
}

func (s *Supervisor) supervise(ctx context.Context, w Worker) {
	defer s.wg.Done()

	tally := s.Tally(w.Name())
	backoff := restartBackoffBase
	for {
		err := s.runOnce(ctx, w)
		if ctx.Err() != nil {
			s.logger.Info().Str("worker", w.Name()).Msg("Worker stopped")
			return
		}
		tally.restarted(err)
		s.logger.Error().
			Str("worker", w.Name()).
			Err(err).
			Dur("restart_in", backoff).
			Msg("Worker exited, restarting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > restartBackoffCap {
			backoff = restartBackoffCap
		}
	}
}

// runOnce contains one worker run, converting panics into errors so a
// bad record cannot take the process down.
func (s *Supervisor) runOnce(ctx context.Context, w Worker) (err error) {
	defer monitoring.RecoverPanic(s.logger, w.Name(), map[string]any{"worker": w.Name()})
	return w.Run(ctx)
}
