package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

// Persister stores the durable copy of a run's progress.
type Persister interface {
	UpdateTask(ctx context.Context, p backup.RunProgress) error
}

// TrackerConfig tunes a Tracker. Zero values select the defaults.
type TrackerConfig struct {
	// FlushEvery persists after this many reports (10).
	FlushEvery int `mapstructure:"flush_every"`
	// PausePoll is the sleep between pause checks (500ms).
	PausePoll time.Duration `mapstructure:"pause_poll"`
	// HistoryLimit caps history entries (200).
	HistoryLimit int `mapstructure:"history_limit"`
	// FlushTimeout bounds one persistence call (5s).
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.FlushEvery <= 0 {
		c.FlushEvery = 10
	}
	if c.PausePoll <= 0 {
		c.PausePoll = 500 * time.Millisecond
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	return c
}

// Emitter publishes individual events. Hub satisfies it.
type Emitter interface {
	Emit(evt Event)
}

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}

// TrackerDeps are the collaborators of a Tracker. All are optional.
type TrackerDeps struct {
	Store   Persister
	Emitter Emitter
	Clock   backup.Clock
	Logger  *zap.Logger
}

// Tracker owns the state of one run. All methods are safe for concurrent use.
type Tracker struct {
	taskID  string
	cfg     TrackerConfig
	store   Persister
	emitter Emitter
	now     func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	state   backup.RunProgress
	pending int
	cancel  context.CancelFunc

	// flushMu orders persistence so an older state never overwrites a newer one.
	flushMu sync.Mutex
}

// NewTracker creates a tracker in the starting phase.
func NewTracker(taskID string, cfg TrackerConfig, deps TrackerDeps) *Tracker {
	cfg = cfg.withDefaults()
	t := &Tracker{
		taskID:  taskID,
		cfg:     cfg,
		store:   deps.Store,
		emitter: deps.Emitter,
		now:     time.Now,
		logger:  deps.Logger,
	}
	if deps.Clock != nil {
		t.now = deps.Clock.Now
	}
	if t.emitter == nil {
		t.emitter = nopEmitter{}
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	t.logger = t.logger.With(zap.String("task_id", taskID))
	now := t.now()
	t.state = backup.RunProgress{
		TaskID:    taskID,
		Phase:     backup.PhaseStarting,
		Message:   "starting",
		History:   []backup.HistoryEntry{},
		StartedAt: now,
		UpdatedAt: now,
	}
	return t
}

// TaskID returns the run identifier.
func (t *Tracker) TaskID() string {
	return t.taskID
}

// Bind attaches the cancel function of the run's context.
func (t *Tracker) Bind(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel = cancel
	if t.state.Canceled && cancel != nil {
		cancel()
	}
}

// Report applies d and persists when the batch threshold or a terminal phase
// is reached.
func (t *Tracker) Report(d Delta) {
	t.mu.Lock()
	prev := t.state.Phase
	t.state = apply(t.state, d, t.now(), t.cfg.HistoryLimit)
	t.pending++
	phase := t.state.Phase
	due := t.pending >= t.cfg.FlushEvery || (phase.Terminal() && !prev.Terminal())
	t.mu.Unlock()

	if phase != prev {
		t.Emit(Event{Stage: StageRunPhase, Phase: phase})
	}
	if due {
		t.flushLogged()
	}
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() backup.RunProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Clone()
}

// Flush persists the current state. It is the explicit durable sync point.
func (t *Tracker) Flush(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	snap := t.state.Clone()
	t.pending = 0
	t.mu.Unlock()

	if err := t.store.UpdateTask(ctx, snap); err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}
	return nil
}

func (t *Tracker) flushLogged() {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.FlushTimeout)
	defer cancel()
	if err := t.Flush(ctx); err != nil {
		t.logger.Warn("progress flush failed", zap.Error(err))
	}
}

// Emit stamps evt with the task id and time and forwards it to the hub.
func (t *Tracker) Emit(evt Event) {
	evt.TaskID = t.taskID
	if evt.TS.IsZero() {
		evt.TS = t.now()
	}
	t.emitter.Emit(evt)
}

// Pause raises the pause gate. It has no effect on finished runs.
func (t *Tracker) Pause() bool {
	return t.setPaused(true, "paused")
}

// Resume lowers the pause gate.
func (t *Tracker) Resume() bool {
	return t.setPaused(false, "resumed")
}

func (t *Tracker) setPaused(paused bool, msg string) bool {
	t.mu.Lock()
	if t.state.Phase.Terminal() || t.state.Canceled {
		t.mu.Unlock()
		return false
	}
	changed := t.state.Paused != paused
	t.state.Paused = paused
	if changed {
		t.state = apply(t.state, Info(msg), t.now(), t.cfg.HistoryLimit)
	}
	t.mu.Unlock()
	if changed {
		t.flushLogged()
	}
	return true
}

// Cancel marks the run canceled and cancels its context. Cancellation is
// sticky; a canceled run cannot be resumed.
func (t *Tracker) Cancel() bool {
	t.mu.Lock()
	if t.state.Phase.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.state.Canceled = true
	t.state.Paused = false
	t.state = apply(t.state, Info("cancel requested"), t.now(), t.cfg.HistoryLimit)
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.flushLogged()
	return true
}

// Checkpoint returns backup.ErrCanceled once the run is canceled and blocks
// while it is paused. Stages call it before every blocking operation.
func (t *Tracker) Checkpoint(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", backup.ErrCanceled, err)
		}
		t.mu.Lock()
		paused, canceled := t.state.Paused, t.state.Canceled
		t.mu.Unlock()
		if canceled {
			return backup.ErrCanceled
		}
		if !paused {
			return nil
		}
		timer := time.NewTimer(t.cfg.PausePoll)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}
