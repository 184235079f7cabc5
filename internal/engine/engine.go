// Package engine runs the frame processing loop: it pulls frames, classifies
// every space, tracks vehicles, steps the per-space state machines and
// publishes an immutable Snapshot after each frame.
//
// One goroutine owns all mutable state. Readers use the published snapshot
// and the history store and never block the loop.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/classifier"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/detection"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/events"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/geometry"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/history"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/occupancy"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/timeutil"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/tracker"
)

// ClassifierFactory builds the classifier for a config
type ClassifierFactory func(cfg classifier.Config, det detection.Detector) (classifier.Classifier, error)

// Options are the collaborators of an Engine. Every field is optional.
type Options struct {
	Sink          events.Sink
	Detector      detection.Detector
	HistoryWriter *history.Writer
	Clock         timeutil.Clock
	Logger        *slog.Logger
	NewClassifier ClassifierFactory
}

// Status describes the loop for control surfaces
type Status struct {
	Running         bool      `json:"running"`
	Classifier      string    `json:"classifier,omitempty"`
	Generation      uint64    `json:"generation"`
	FramesProcessed int64     `json:"frames_processed"`
	FrameErrors     int64     `json:"frame_errors"`
	LastFrameIndex  int64     `json:"last_frame_index"`
	Spaces          int       `json:"spaces"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	StoppedAt       time.Time `json:"stopped_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

// pendingConfig is a validated config waiting for the next checkpoint
type pendingConfig struct {
	cfg        Config
	classifier classifier.Classifier
}

// Engine is the parking occupancy engine
type Engine struct {
	sink          events.Sink
	detector      detection.Detector
	historyWriter *history.Writer
	clock         timeutil.Clock
	logger        *slog.Logger
	newClassifier ClassifierFactory

	history    *history.Store
	snapshot   atomic.Pointer[Snapshot]
	generation atomic.Uint64
	pending    atomic.Pointer[pendingConfig]

	// ctrl serializes Start, Stop, Reconfigure and Apply
	ctrl sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	current Config
	status  Status

	subMu  sync.Mutex
	subs   map[int]chan *Snapshot
	nextID int

	framesProcessed atomic.Int64
	frameErrors     atomic.Int64

	// Owned by the loop goroutine
	cfg        Config
	classifier classifier.Classifier
	tracker    *tracker.Tracker
	machines   map[string]*occupancy.Machine
	spaces     []geometry.Space
	scaledFor  [2]int
	lastSample time.Time
	lastFrame  int64
}

// New creates a stopped engine with an empty snapshot
func New(opts Options) *Engine {
	if opts.Sink == nil {
		opts.Sink = events.Discard{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "engine")
	}
	if opts.NewClassifier == nil {
		opts.NewClassifier = classifier.New
	}

	e := &Engine{
		sink:          opts.Sink,
		detector:      opts.Detector,
		historyWriter: opts.HistoryWriter,
		clock:         opts.Clock,
		logger:        opts.Logger,
		newClassifier: opts.NewClassifier,
		history:       history.NewStore(history.DefaultMaxHistory, opts.Clock),
		subs:          make(map[int]chan *Snapshot),
		done:          closedChan(),
	}
	e.snapshot.Store(emptySnapshot())
	return e
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// prepare validates cfg and builds its classifier
func (e *Engine) prepare(cfg Config) (*pendingConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cls, err := e.newClassifier(cfg.Classifier, e.detector)
	if err != nil {
		return nil, &ConfigurationError{Errors: geometry.FieldErrors{{Field: "engine.classifier", Message: err.Error()}}}
	}
	return &pendingConfig{cfg: cfg, classifier: cls}, nil
}

// Start validates cfg and launches the loop over src. The loop runs until
// Stop, ctx cancellation or the end of the source. Starting a running
// engine reports AlreadyRunning and leaves it untouched.
func (e *Engine) Start(ctx context.Context, src detection.FrameSource, cfg Config) (ControlResult, error) {
	e.ctrl.Lock()
	defer e.ctrl.Unlock()

	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if running {
		return AlreadyRunning, nil
	}
	if src == nil {
		return Rejected, fmt.Errorf("frame source is required")
	}

	p, err := e.prepare(cfg)
	if err != nil {
		return Rejected, err
	}

	now := e.clock.Now()
	e.reset(p, now)

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	e.mu.Lock()
	e.running = true
	e.cancel = cancel
	e.done = done
	e.current = p.cfg
	e.status = Status{Running: true, Classifier: p.classifier.Name(), StartedAt: now, Spaces: len(p.cfg.Spaces)}
	e.mu.Unlock()

	e.publish(e.build(nil, now, 0))
	e.emit(loopCtx, &events.Event{
		Type:      events.EventEngineStarted,
		Timestamp: now,
		Message:   fmt.Sprintf("engine started with %d spaces", len(p.cfg.Spaces)),
	})
	e.logger.Info("Engine started", "spaces", len(p.cfg.Spaces), "classifier", p.classifier.Name(), "target_fps", p.cfg.TargetFPS)

	go e.run(loopCtx, src, done)
	return Started, nil
}

// reset prepares loop-owned state for a fresh run
func (e *Engine) reset(p *pendingConfig, now time.Time) {
	e.pending.Store(nil)
	e.tracker = tracker.New(p.cfg.Tracker)
	e.machines = make(map[string]*occupancy.Machine)
	e.lastSample = time.Time{}
	e.lastFrame = 0
	e.install(p, now, false)
	e.framesProcessed.Store(0)
	e.frameErrors.Store(0)
}

// Stop ends the loop and waits for it to exit. The last snapshot stays
// readable.
func (e *Engine) Stop() (ControlResult, error) {
	e.ctrl.Lock()
	defer e.ctrl.Unlock()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return AlreadyStopped, nil
	}
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
	return Stopped, nil
}

// Done returns a channel closed when the current loop exits
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Running reports whether the loop is active
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Reconfigure replaces the layout. The new geometry is installed between
// frames; states of spaces whose id and region are unchanged carry over.
func (e *Engine) Reconfigure(spaces []geometry.Space, groups []geometry.Group) (ControlResult, error) {
	e.mu.Lock()
	cfg := e.current
	e.mu.Unlock()

	cfg.Spaces = spaces
	cfg.Groups = groups
	return e.Apply(cfg)
}

// Apply replaces the whole config at the next checkpoint
func (e *Engine) Apply(cfg Config) (ControlResult, error) {
	e.ctrl.Lock()
	defer e.ctrl.Unlock()

	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return Rejected, ErrNotRunning
	}

	p, err := e.prepare(cfg)
	if err != nil {
		return Rejected, err
	}
	e.pending.Store(p)

	e.mu.Lock()
	e.current = p.cfg
	e.mu.Unlock()

	e.logger.Info("Configuration queued", "spaces", len(cfg.Spaces), "groups", len(cfg.Groups))
	return Reconfigured, nil
}

// Config returns the most recently accepted config
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// CurrentSnapshot returns the latest published snapshot. It is never nil.
func (e *Engine) CurrentSnapshot() *Snapshot {
	return e.snapshot.Load()
}

// Generation increments on every publish
func (e *Engine) Generation() uint64 {
	return e.generation.Load()
}

// SpaceState returns the state of one space from the current snapshot
func (e *Engine) SpaceState(id string) (occupancy.SpaceState, bool) {
	st, ok := e.snapshot.Load().Space(id)
	return st.SpaceState, ok
}

// Tracks returns the active confirmed tracks from the current snapshot
func (e *Engine) Tracks() []tracker.Track {
	return e.snapshot.Load().Tracks
}

// RecentHistory returns up to n records, oldest first
func (e *Engine) RecentHistory(n int) []history.Record {
	return e.history.Recent(n)
}

// WindowStats aggregates history over the trailing window
func (e *Engine) WindowStats(d time.Duration) history.WindowStats {
	return e.history.WindowStats(d)
}

// History exposes the in-memory history store
func (e *Engine) History() *history.Store {
	return e.history
}

// Status returns loop counters
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := e.status
	e.mu.Unlock()
	s.Generation = e.generation.Load()
	s.FramesProcessed = e.framesProcessed.Load()
	s.FrameErrors = e.frameErrors.Load()
	s.LastFrameIndex = e.snapshot.Load().FrameIndex
	return s
}

// Subscribe returns a channel that receives published snapshots. Delivery
// is latest-wins: a slow reader sees the newest snapshot, not every one.
// Call the returned function to unsubscribe.
func (e *Engine) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)

	e.subMu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	e.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
			close(ch)
		})
	}
}

func (e *Engine) publish(snap *Snapshot) {
	snap.Generation = e.generation.Add(1)
	e.snapshot.Store(snap)

	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (e *Engine) emit(ctx context.Context, event *events.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = e.clock.Now()
	}
	if err := e.sink.Emit(ctx, event); err != nil {
		e.logger.Warn("Failed to emit event", "type", event.Type, "error", err)
	}
}

func (e *Engine) workers(n int) int {
	w := e.cfg.Workers
	if w <= 0 {
		w = runtime.NumCPU()
	}
	if w > n {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}
