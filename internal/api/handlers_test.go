package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/classifier"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/database"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/detection"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/engine"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/events"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/geometry"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/history"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/logging"
)

func testSpaces() []geometry.Space {
	spaces := make([]geometry.Space, 4)
	for i := range spaces {
		spaces[i] = geometry.Space{
			ID:      fmt.Sprintf("S%d", i+1),
			GroupID: "G1",
			Box:     &geometry.Rect{X: float64(10 + i*50), Y: 10, Width: 40, Height: 40},
		}
	}
	return spaces
}

func testEngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Classifier.Method = classifier.MethodLuminance
	cfg.Classifier.ParkingThreshold = 0.5
	cfg.TargetFPS = 0
	cfg.HistoryInterval = 0
	cfg.DefaultPolicy = geometry.PolicyAny
	cfg.Spaces = testSpaces()
	cfg.Groups = []geometry.Group{{ID: "G1", Members: []string{"S1", "S2", "S3", "S4"}}}
	return cfg
}

// frame returns a white image with S1 painted black
func frame() image.Image {
	img := image.NewGray(image.Rect(0, 0, 220, 60))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	for y := 10; y < 50; y++ {
		for x := 10; x < 50; x++ {
			img.SetGray(x, y, color.Gray{Y: 0})
		}
	}
	return img
}

// finishedEngine runs five identical frames to exhaustion
func finishedEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e := engine.New(engine.Options{})
	images := make([]image.Image, 5)
	for i := range images {
		images[i] = frame()
	}
	if _, err := e.Start(context.Background(), detection.NewSliceSource(images, nil), testEngineConfig()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not finish")
	}
	return e
}

type endlessSource struct {
	index atomic.Int64
}

func (s *endlessSource) Next(ctx context.Context) (*detection.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	time.Sleep(time.Millisecond)
	return detection.NewFrame(s.index.Add(1), frame(), time.Now()), nil
}

func (s *endlessSource) Close() error { return nil }

func runningEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e := engine.New(engine.Options{})
	if _, err := e.Start(context.Background(), &endlessSource{}, testEngineConfig()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _, _ = e.Stop() })
	return e
}

func serve(h *Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Mount("/api/v1", h.Routes())

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func TestSnapshotEndpoints(t *testing.T) {
	h := NewHandler(Deps{Engine: finishedEngine(t)})

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"snapshot", "/api/v1/snapshot", http.StatusOK},
		{"spaces", "/api/v1/spaces", http.StatusOK},
		{"space", "/api/v1/spaces/S1", http.StatusOK},
		{"unknown space", "/api/v1/spaces/S9", http.StatusNotFound},
		{"groups", "/api/v1/groups", http.StatusOK},
		{"group", "/api/v1/groups/G1", http.StatusOK},
		{"unknown group", "/api/v1/groups/G9", http.StatusNotFound},
		{"tracks", "/api/v1/tracks", http.StatusOK},
		{"history", "/api/v1/history?n=3", http.StatusOK},
		{"bad history n", "/api/v1/history?n=x", http.StatusBadRequest},
		{"history stats", "/api/v1/history/stats?window=10m", http.StatusOK},
		{"bad window", "/api/v1/history/stats?window=-1s", http.StatusBadRequest},
		{"history range without store", "/api/v1/history/range", http.StatusServiceUnavailable},
		{"states without store", "/api/v1/states", http.StatusServiceUnavailable},
		{"engine status", "/api/v1/engine/status", http.StatusOK},
		{"layout", "/api/v1/layout", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(h, http.MethodGet, tt.path, nil)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestGetSpaceReportsCommittedState(t *testing.T) {
	h := NewHandler(Deps{Engine: finishedEngine(t)})

	resp := decode(t, serve(h, http.MethodGet, "/api/v1/spaces/S1", nil))
	data := resp.Data.(map[string]interface{})
	if data["state"] != "OCCUPIED" {
		t.Errorf("S1 state = %v, want OCCUPIED", data["state"])
	}

	resp = decode(t, serve(h, http.MethodGet, "/api/v1/snapshot", nil))
	snap := resp.Data.(map[string]interface{})
	if snap["total"].(float64) != 4 || snap["occupied"].(float64) != 1 || snap["free"].(float64) != 3 {
		t.Errorf("unexpected counts %v/%v/%v", snap["total"], snap["occupied"], snap["free"])
	}

	resp = decode(t, serve(h, http.MethodGet, "/api/v1/groups/G1", nil))
	group := resp.Data.(map[string]interface{})
	if group["is_occupied"] != true {
		t.Errorf("G1 with policy any should be occupied: %v", group)
	}
}

type layoutRecorder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (l *layoutRecorder) SetLayout([]geometry.Space, []geometry.Group) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.err
}

func TestUpdateLayout(t *testing.T) {
	store := &layoutRecorder{}
	e := runningEngine(t)
	h := NewHandler(Deps{Engine: e, Layout: store})

	t.Run("invalid layout", func(t *testing.T) {
		body, _ := json.Marshal(LayoutRequest{Spaces: []geometry.Space{
			{ID: "A", Box: &geometry.Rect{X: 0, Y: 0, Width: 10, Height: 10}},
			{ID: "A", Box: &geometry.Rect{X: 20, Y: 0, Width: 10, Height: 10}},
		}})
		w := serve(h, http.MethodPut, "/api/v1/layout", body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
		resp := decode(t, w)
		if resp.Error == nil || resp.Error.Code != "VALIDATION_ERROR" {
			t.Fatalf("expected VALIDATION_ERROR, got %+v", resp.Error)
		}
		if len(resp.Error.Details) == 0 {
			t.Error("expected field details")
		}
		if store.calls != 0 {
			t.Error("rejected layout must not be persisted")
		}
	})

	t.Run("valid layout", func(t *testing.T) {
		spaces := testSpaces()[:2]
		for i := range spaces {
			spaces[i].GroupID = ""
		}
		body, _ := json.Marshal(LayoutRequest{Spaces: spaces})
		w := serve(h, http.MethodPut, "/api/v1/layout", body)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", w.Code, w.Body.String())
		}
		if store.calls != 1 {
			t.Errorf("SetLayout calls = %d, want 1", store.calls)
		}
		deadline := time.Now().Add(5 * time.Second)
		for e.CurrentSnapshot().Total != 2 {
			if time.Now().After(deadline) {
				t.Fatal("new layout was not installed")
			}
			time.Sleep(5 * time.Millisecond)
		}
	})

	t.Run("bad body", func(t *testing.T) {
		w := serve(h, http.MethodPut, "/api/v1/layout", []byte("{"))
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestUpdateLayoutWhileStopped(t *testing.T) {
	h := NewHandler(Deps{Engine: finishedEngine(t)})
	body, _ := json.Marshal(LayoutRequest{Spaces: testSpaces()})
	w := serve(h, http.MethodPut, "/api/v1/layout", body)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestEngineControl(t *testing.T) {
	e := engine.New(engine.Options{})

	w := serve(NewHandler(Deps{Engine: e}), http.MethodPost, "/api/v1/engine/start", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("start without starter: status = %d, want 503", w.Code)
	}

	starter := func(ctx context.Context) (engine.ControlResult, error) {
		return e.Start(context.Background(), &endlessSource{}, testEngineConfig())
	}
	h := NewHandler(Deps{Engine: e, Start: starter})
	t.Cleanup(func() { _, _ = e.Stop() })

	resp := decode(t, serve(h, http.MethodPost, "/api/v1/engine/start", nil))
	if got := resp.Data.(map[string]interface{})["result"]; got != string(engine.Started) {
		t.Errorf("result = %v, want started", got)
	}
	resp = decode(t, serve(h, http.MethodPost, "/api/v1/engine/start", nil))
	if got := resp.Data.(map[string]interface{})["result"]; got != string(engine.AlreadyRunning) {
		t.Errorf("result = %v, want already_running", got)
	}

	resp = decode(t, serve(h, http.MethodPost, "/api/v1/engine/stop", nil))
	if got := resp.Data.(map[string]interface{})["result"]; got != string(engine.Stopped) {
		t.Errorf("result = %v, want stopped", got)
	}
	resp = decode(t, serve(h, http.MethodPost, "/api/v1/engine/stop", nil))
	if got := resp.Data.(map[string]interface{})["result"]; got != string(engine.AlreadyStopped) {
		t.Errorf("result = %v, want already_stopped", got)
	}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	e := engine.New(engine.Options{})
	starter := func(ctx context.Context) (engine.ControlResult, error) {
		cfg := testEngineConfig()
		cfg.Hysteresis = -1
		return e.Start(context.Background(), &endlessSource{}, cfg)
	}
	w := serve(NewHandler(Deps{Engine: e, Start: starter}), http.MethodPost, "/api/v1/engine/start", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if resp := decode(t, w); resp.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("code = %s", resp.Error.Code)
	}
}

type stubEvents struct {
	opts events.ListOptions
}

func (s *stubEvents) List(ctx context.Context, opts events.ListOptions) ([]*events.Event, int, error) {
	s.opts = opts
	return []*events.Event{{ID: "e1", Type: events.EventStateCommit, SpaceID: "S1"}}, 120, nil
}

func (s *stubEvents) Get(ctx context.Context, id string) (*events.Event, error) {
	if id == "e1" {
		return &events.Event{ID: "e1", Type: events.EventStateCommit}, nil
	}
	return nil, fmt.Errorf("get %s: %w", id, events.ErrNotFound)
}

func TestEvents(t *testing.T) {
	store := &stubEvents{}
	h := NewHandler(Deps{Engine: engine.New(engine.Options{}), Events: store})

	w := serve(h, http.MethodGet, "/api/v1/events?type=state_commit&space_id=S1&page=3&per_page=10&start=2026-01-01T00:00:00Z", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp.Meta == nil || resp.Meta.Total != 120 || resp.Meta.TotalPages != 12 || resp.Meta.Page != 3 {
		t.Errorf("unexpected meta %+v", resp.Meta)
	}
	if store.opts.Type != events.EventStateCommit || store.opts.SpaceID != "S1" {
		t.Errorf("filters not forwarded: %+v", store.opts)
	}
	if store.opts.Limit != 10 || store.opts.Offset != 20 {
		t.Errorf("limit/offset = %d/%d, want 10/20", store.opts.Limit, store.opts.Offset)
	}
	if !store.opts.StartTime.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", store.opts.StartTime)
	}

	if w := serve(h, http.MethodGet, "/api/v1/events?start=yesterday", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad start: status = %d", w.Code)
	}
	if w := serve(h, http.MethodGet, "/api/v1/events/e1", nil); w.Code != http.StatusOK {
		t.Errorf("get: status = %d", w.Code)
	}
	if w := serve(h, http.MethodGet, "/api/v1/events/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d", w.Code)
	}
}

type stubRange struct{}

func (stubRange) Range(ctx context.Context, from, to time.Time, limit int) ([]history.Record, error) {
	if limit == 7 {
		return nil, errors.New("disk on fire")
	}
	return []history.Record{{Timestamp: from, Total: 4, Free: 3, Occupied: 1, OccupancyRate: 25}}, nil
}

func TestHistoryRange(t *testing.T) {
	h := NewHandler(Deps{Engine: engine.New(engine.Options{}), History: stubRange{}})

	if w := serve(h, http.MethodGet, "/api/v1/history/range?from=1767225600", nil); w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if w := serve(h, http.MethodGet, "/api/v1/history/range?limit=7", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	bad := func(context.Context) error { return errors.New("down") }

	h := NewHandler(Deps{Engine: engine.New(engine.Options{}), Checks: map[string]HealthCheck{"database": ok}})
	if w := serve(h, http.MethodGet, "/api/v1/health", nil); w.Code != http.StatusOK {
		t.Errorf("healthy: status = %d", w.Code)
	}

	h = NewHandler(Deps{Engine: engine.New(engine.Options{}), Checks: map[string]HealthCheck{"database": ok, "event_bus": bad}})
	w := serve(h, http.MethodGet, "/api/v1/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded: status = %d", w.Code)
	}
	data := decode(t, w).Data.(map[string]interface{})
	if data["status"] != "degraded" {
		t.Errorf("status = %v", data["status"])
	}
	if _, ok := data["storage"]; ok {
		t.Error("storage should be omitted without a database")
	}

	h = NewHandler(Deps{Engine: engine.New(engine.Options{}), Storage: stubStorage{}})
	data = decode(t, serve(h, http.MethodGet, "/api/v1/health", nil)).Data.(map[string]interface{})
	storage, isMap := data["storage"].(map[string]interface{})
	if !isMap || storage["size_bytes"] != float64(8192) || storage["path"] != "parking.db" {
		t.Errorf("storage = %v", data["storage"])
	}
}

type stubStorage struct{}

func (stubStorage) Usage() (database.Usage, error) {
	return database.Usage{Path: "parking.db", SizeBytes: 8192}, nil
}

func TestRecentLogs(t *testing.T) {
	buf := logging.NewRingBuffer(10)
	buf.Add(logging.LogEntry{Level: "INFO", Message: "Engine started", Component: "engine"})
	buf.Add(logging.LogEntry{Level: "ERROR", Message: "Frame failed", Component: "engine"})
	buf.Add(logging.LogEntry{Level: "INFO", Message: "Client connected", Component: "websocket-hub"})

	h := NewHandler(Deps{Engine: engine.New(engine.Options{}), Logs: buf})

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/logs/recent", 3},
		{"/api/v1/logs/recent?level=error", 1},
		{"/api/v1/logs/recent?component=engine", 2},
		{"/api/v1/logs/recent?n=1", 1},
	}
	for _, tt := range tests {
		resp := decode(t, serve(h, http.MethodGet, tt.path, nil))
		if got := len(resp.Data.([]interface{})); got != tt.want {
			t.Errorf("%s: got %d entries, want %d", tt.path, got, tt.want)
		}
	}
}
