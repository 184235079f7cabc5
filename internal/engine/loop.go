package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/classifier"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/detection"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/events"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/geometry"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/occupancy"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/tracker"
)

func (e *Engine) run(ctx context.Context, src detection.FrameSource, done chan struct{}) {
	reason, termErr := e.loop(ctx, src)

	if err := src.Close(); err != nil {
		e.logger.Warn("Failed to close frame source", "error", err)
	}

	now := e.clock.Now()
	if termErr != nil {
		e.emit(context.Background(), &events.Event{
			Type:       events.EventSourceTerminated,
			FrameIndex: e.lastFrame,
			Timestamp:  now,
			Message:    termErr.Error(),
		})
		e.logger.Warn("Frame source terminated", "frame", e.lastFrame, "error", termErr)
	}
	e.emit(context.Background(), &events.Event{
		Type:       events.EventEngineStopped,
		FrameIndex: e.lastFrame,
		Timestamp:  now,
		Message:    reason,
	})
	e.logger.Info("Engine stopped", "reason", reason, "frames", e.framesProcessed.Load())

	e.mu.Lock()
	e.running = false
	e.cancel = nil
	e.status.Running = false
	e.status.StoppedAt = now
	if termErr != nil {
		e.status.LastError = termErr.Error()
	}
	e.mu.Unlock()
	close(done)
}

// loop pulls frames until stop or source failure. It returns the stop
// reason and, for source failures, the terminal error.
func (e *Engine) loop(ctx context.Context, src detection.FrameSource) (string, error) {
	consecutive := 0
	for {
		if ctx.Err() != nil {
			return "stopped", nil
		}

		// Checkpoint: configuration only changes between frames
		if p := e.pending.Swap(nil); p != nil {
			e.install(p, e.clock.Now(), true)
		}

		started := e.clock.Now()
		frame, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "stopped", nil
			}
			if errors.Is(err, detection.ErrSourceExhausted) {
				return "source_exhausted", &FrameAcquisitionError{FrameIndex: e.lastFrame, Err: err}
			}
			e.frameErrors.Add(1)
			consecutive++
			if detection.IsTransient(err) && consecutive <= e.cfg.MaxConsecutiveFrameErrors {
				e.emit(ctx, &events.Event{
					Type:       events.EventFrameError,
					FrameIndex: e.lastFrame,
					Message:    err.Error(),
				})
				e.logger.Warn("Skipping unreadable frame", "error", err, "consecutive", consecutive)
				continue
			}
			return "source_error", &FrameAcquisitionError{FrameIndex: e.lastFrame, Err: err}
		}
		if frame == nil || frame.Image == nil {
			return "source_error", &FrameAcquisitionError{FrameIndex: e.lastFrame, Err: fmt.Errorf("source returned an empty frame")}
		}
		consecutive = 0

		e.processFrame(ctx, frame)

		if !e.pace(ctx, started) {
			return "stopped", nil
		}
	}
}

// pace sleeps out the remainder of the frame interval. It returns false
// when ctx is cancelled while waiting.
func (e *Engine) pace(ctx context.Context, started time.Time) bool {
	if e.cfg.TargetFPS <= 0 {
		return true
	}
	interval := time.Duration(float64(time.Second) / e.cfg.TargetFPS)
	wait := interval - e.clock.Since(started)
	if wait <= 0 {
		return true
	}
	timer := e.clock.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C():
		return true
	}
}

// install swaps in a validated config. Machines for spaces whose id and
// region are unchanged keep their state; others start UNCERTAIN.
func (e *Engine) install(p *pendingConfig, now time.Time, announce bool) {
	old := make(map[string]geometry.Space, len(e.cfg.Spaces))
	for _, s := range e.cfg.Spaces {
		old[s.ID] = s
	}

	e.cfg = p.cfg
	e.classifier = p.classifier
	e.tracker.SetConfig(p.cfg.Tracker)
	e.history.Resize(p.cfg.MaxHistory)

	machines := make(map[string]*occupancy.Machine, len(p.cfg.Spaces))
	for _, s := range p.cfg.Spaces {
		m, ok := e.machines[s.ID]
		if prev, known := old[s.ID]; ok && known && prev.SameRegion(s) {
			m.SetHysteresis(p.cfg.Hysteresis)
		} else {
			m = occupancy.NewMachine(s.ID, p.cfg.Hysteresis, now)
		}
		machines[s.ID] = m
	}
	e.machines = machines
	e.spaces = p.cfg.Spaces
	e.scaledFor = [2]int{}

	e.mu.Lock()
	e.status.Classifier = p.classifier.Name()
	e.status.Spaces = len(p.cfg.Spaces)
	e.mu.Unlock()

	if announce {
		e.emit(context.Background(), &events.Event{
			Type:       events.EventReconfigured,
			FrameIndex: e.lastFrame,
			Timestamp:  now,
			Message:    fmt.Sprintf("%d spaces, %d groups", len(p.cfg.Spaces), len(p.cfg.Groups)),
		})
		e.logger.Info("Configuration installed", "spaces", len(p.cfg.Spaces), "groups", len(p.cfg.Groups))
	}
}

// layoutFor returns the space geometry in frame coordinates
func (e *Engine) layoutFor(w, h int) []geometry.Space {
	ref := e.cfg.Reference
	if ref == nil {
		return e.cfg.Spaces
	}
	if e.scaledFor != [2]int{w, h} {
		e.spaces = geometry.ScaleLayout(e.cfg.Spaces, float64(ref.Width), float64(ref.Height), float64(w), float64(h))
		e.scaledFor = [2]int{w, h}
	}
	return e.spaces
}

// processFrame runs one full iteration for a frame and publishes the result
func (e *Engine) processFrame(ctx context.Context, frame *detection.Frame) {
	now := frame.Timestamp
	if now.IsZero() {
		now = e.clock.Now()
	}
	spaces := e.layoutFor(frame.Width, frame.Height)

	analysis, err := e.classifier.Analyze(ctx, frame)
	if err != nil {
		analysis = nil
		e.emit(ctx, &events.Event{
			Type:       events.EventClassificationError,
			FrameIndex: frame.Index,
			Timestamp:  now,
			Message:    err.Error(),
		})
		e.logger.Warn("Frame analysis failed", "frame", frame.Index, "error", err)
	}

	results, failures := e.classifyAll(analysis, spaces)
	for i, ferr := range failures {
		if ferr == nil {
			continue
		}
		e.emit(ctx, &events.Event{
			Type:       events.EventClassificationError,
			SpaceID:    spaces[i].ID,
			FrameIndex: frame.Index,
			Timestamp:  now,
			Message:    ferr.Error(),
		})
		e.logger.Warn("Space classification failed", "space", spaces[i].ID, "frame", frame.Index, "error", ferr)
	}

	// Tracking is skipped when the frame could not be analyzed
	if analysis != nil {
		_, transitions, err := e.tracker.Update(analysis.Detections, frame.Index, now)
		if err != nil {
			e.emit(ctx, &events.Event{
				Type:       events.EventTrackingInconsistency,
				FrameIndex: frame.Index,
				Timestamp:  now,
				Message:    err.Error(),
			})
			e.logger.Warn("Tracking update skipped", "frame", frame.Index, "error", err)
		}
		for _, t := range transitions {
			e.emitTrack(ctx, t, now)
		}
	}
	tracks := e.tracker.Active()

	for i, sp := range spaces {
		m := e.machines[sp.ID]
		res := results[i]

		occupant, occupantConf := e.occupant(sp, tracks)
		m.SetTrack(occupant)
		if res.State == occupancy.Uncertain && occupant != 0 {
			res.State = occupancy.Occupied
			res.Confidence = occupantConf
		}

		if t, ok := m.Step(res.State, res.Confidence, now, frame.Index); ok {
			e.emitCommit(ctx, t, m.State())
		}
	}

	prev := e.snapshot.Load()
	snap := e.build(results, now, frame.Index)
	e.emitGroupChanges(ctx, prev, snap)
	e.publish(snap)
	e.lastFrame = frame.Index
	e.framesProcessed.Add(1)

	e.sample(snap, now)
}

// classifyAll classifies every space on a bounded worker pool. A panic or
// invalid result in one space yields UNCERTAIN for that space only.
func (e *Engine) classifyAll(a *classifier.Analysis, spaces []geometry.Space) ([]classifier.Result, []error) {
	results := make([]classifier.Result, len(spaces))
	failures := make([]error, len(spaces))
	if len(spaces) == 0 {
		return results, failures
	}
	if a == nil {
		for i := range results {
			results[i] = classifier.Result{State: occupancy.Uncertain}
		}
		return results, failures
	}

	next := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < e.workers(len(spaces)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				results[i], failures[i] = e.classifyOne(a, spaces[i])
			}
		}()
	}
	for i := range spaces {
		next <- i
	}
	close(next)
	wg.Wait()

	return results, failures
}

func (e *Engine) classifyOne(a *classifier.Analysis, sp geometry.Space) (res classifier.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = classifier.Result{State: occupancy.Uncertain}
			err = fmt.Errorf("classifier panic: %v", r)
		}
	}()

	res = e.classifier.Classify(a, sp)
	if !res.State.Valid() {
		return classifier.Result{State: occupancy.Uncertain}, fmt.Errorf("classifier returned invalid state %q", res.State)
	}
	return res, nil
}

// occupant returns the confirmed track covering the most of the space
func (e *Engine) occupant(sp geometry.Space, tracks []tracker.Track) (uint64, float64) {
	var id uint64
	var best, conf float64
	for _, t := range tracks {
		f := sp.OverlapFraction(t.Box)
		if f > e.cfg.Classifier.OverlapFraction && f > best {
			id, best, conf = t.ID, f, t.Confidence
		}
	}
	return id, conf
}

// build assembles a snapshot from the machines. results may be nil before
// the first frame.
func (e *Engine) build(results []classifier.Result, now time.Time, frameIndex int64) *Snapshot {
	states := make(map[string]SpaceStatus, len(e.machines))
	for i, sp := range e.cfg.Spaces {
		m, ok := e.machines[sp.ID]
		if !ok {
			continue
		}
		st := SpaceStatus{SpaceState: m.State(), OccupiedFor: m.OccupiedFor(now)}
		if i < len(results) {
			st.Metric = results[i].Metric
		}
		states[sp.ID] = st
	}

	var tracks []tracker.Track
	var vehicles int64
	if e.tracker != nil {
		tracks = e.tracker.Active()
		vehicles = e.tracker.VehicleCount()
	}
	return buildSnapshot(e.cfg, e.cfg.Spaces, states, tracks, vehicles, frameIndex, now)
}

// sample appends a history record when the sampling interval has elapsed.
// Frames where no space is decided yet are not sampled.
func (e *Engine) sample(snap *Snapshot, now time.Time) {
	if snap.Total > 0 && snap.Uncertain == snap.Total {
		return
	}
	interval := e.cfg.HistoryInterval
	if interval > 0 && !e.lastSample.IsZero() && now.Sub(e.lastSample) < interval {
		return
	}
	e.lastSample = now

	rec := snap.Record()
	e.history.Append(rec)
	if e.historyWriter != nil {
		e.historyWriter.Append(rec)
	}
}

func (e *Engine) emitCommit(ctx context.Context, t occupancy.Transition, st occupancy.SpaceState) {
	meta, _ := json.Marshal(map[string]interface{}{
		"confidence":        st.Confidence,
		"occupied_total_ms": st.OccupiedTotal.Milliseconds(),
	})
	e.emit(ctx, &events.Event{
		Type:       events.EventStateCommit,
		SpaceID:    t.SpaceID,
		TrackID:    st.TrackID,
		From:       string(t.From),
		To:         string(t.To),
		FrameIndex: t.FrameIndex,
		Timestamp:  t.At,
		Metadata:   meta,
	})
	e.logger.Debug("Space state committed", "space", t.SpaceID, "from", t.From, "to", t.To, "frame", t.FrameIndex)
}

func (e *Engine) emitTrack(ctx context.Context, t tracker.Transition, now time.Time) {
	var typ events.EventType
	switch t.Kind {
	case tracker.KindConfirmed:
		typ = events.EventTrackConfirmed
	case tracker.KindRetired:
		typ = events.EventTrackRetired
	case tracker.KindCounted:
		typ = events.EventVehicleCounted
	default:
		return
	}
	meta, _ := json.Marshal(map[string]interface{}{
		"label":      t.Track.Label,
		"box":        t.Track.Box,
		"age":        t.Track.Age,
		"confidence": t.Track.Confidence,
	})
	e.emit(ctx, &events.Event{
		Type:       typ,
		TrackID:    t.Track.ID,
		FrameIndex: t.FrameIndex,
		Timestamp:  now,
		Metadata:   meta,
	})
	e.logger.Info("Track "+string(t.Kind), "track", t.Track.ID, "frame", t.FrameIndex)
}

// emitGroupChanges reports groups whose derived occupancy flipped
func (e *Engine) emitGroupChanges(ctx context.Context, prev, next *Snapshot) {
	for _, g := range next.Groups {
		before, ok := prev.Group(g.ID)
		if !ok || before.IsOccupied == g.IsOccupied {
			continue
		}
		e.emit(ctx, &events.Event{
			Type:       events.EventGroupChanged,
			GroupID:    g.ID,
			From:       groupState(before.IsOccupied),
			To:         groupState(g.IsOccupied),
			FrameIndex: next.FrameIndex,
			Timestamp:  next.Timestamp,
		})
	}
}

func groupState(occupied bool) string {
	if occupied {
		return string(occupancy.Occupied)
	}
	return string(occupancy.Free)
}
