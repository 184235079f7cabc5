package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/database"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/engine"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/events"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/geometry"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/history"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/logging"
)

// EventStore reads persisted engine events
type EventStore interface {
	List(ctx context.Context, opts events.ListOptions) ([]*events.Event, int, error)
	Get(ctx context.Context, id string) (*events.Event, error)
}

// HistoryRange reads persisted occupancy history
type HistoryRange interface {
	Range(ctx context.Context, from, to time.Time, limit int) ([]history.Record, error)
}

// StateStore reads the last persisted state of every space
type StateStore interface {
	List(ctx context.Context) ([]history.SpaceRecord, error)
}

// LayoutStore persists an accepted layout
type LayoutStore interface {
	SetLayout(spaces []geometry.Space, groups []geometry.Group) error
}

// StorageUsage reports database file and pool usage
type StorageUsage interface {
	Usage() (database.Usage, error)
}

// Starter starts the engine on the configured source
type Starter func(ctx context.Context) (engine.ControlResult, error)

// HealthCheck reports the health of one dependency
type HealthCheck func(ctx context.Context) error

// Deps holds what the handler serves. Only Engine is required.
type Deps struct {
	Engine  *engine.Engine
	Events  EventStore
	History HistoryRange
	States  StateStore
	Layout  LayoutStore
	Logs    *logging.RingBuffer
	Storage StorageUsage
	Hub     *Hub
	Start   Starter
	Checks  map[string]HealthCheck
	Version string
}

// Handler serves the parking HTTP API
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandler creates a new API handler
func NewHandler(deps Deps) *Handler {
	return &Handler{
		deps:   deps,
		logger: slog.Default().With("component", "api"),
	}
}

// Routes returns the API routes, mounted under /api/v1 by the server
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.Health)
	r.Get("/snapshot", h.Snapshot)

	r.Route("/history", func(r chi.Router) {
		r.Get("/", h.History)
		r.Get("/stats", h.HistoryStats)
		r.Get("/range", h.HistoryRange)
	})

	r.Get("/spaces", h.ListSpaces)
	r.Get("/spaces/{id}", h.GetSpace)
	r.Get("/states", h.PersistedStates)
	r.Get("/groups", h.ListGroups)
	r.Get("/groups/{id}", h.GetGroup)
	r.Get("/tracks", h.ListTracks)

	r.Get("/events", h.ListEvents)
	r.Get("/events/{id}", h.GetEvent)

	r.Route("/engine", func(r chi.Router) {
		r.Get("/status", h.EngineStatus)
		r.Post("/start", h.StartEngine)
		r.Post("/stop", h.StopEngine)
	})

	r.Get("/layout", h.GetLayout)
	r.Put("/layout", h.UpdateLayout)

	r.Get("/logs/recent", h.RecentLogs)

	if h.deps.Hub != nil {
		r.Get("/ws", h.deps.Hub.HandleWebSocket)
	}

	return r
}

// Health reports dependency health. Any failing check degrades the status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.deps.Checks))
	status := "healthy"
	for name, check := range h.deps.Checks {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]interface{}{
		"status":  status,
		"version": h.deps.Version,
		"engine":  h.deps.Engine.Running(),
		"checks":  checks,
	}
	if h.deps.Storage != nil {
		if usage, err := h.deps.Storage.Usage(); err != nil {
			h.logger.Warn("Failed to read storage usage", "error", err)
		} else {
			body["storage"] = usage
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	JSON(w, code, body)
}

// Snapshot returns the current snapshot
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	OK(w, h.deps.Engine.CurrentSnapshot())
}

// History returns the most recent in-memory history records, oldest first
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n", 100)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	OK(w, h.deps.Engine.RecentHistory(n))
}

// HistoryStats returns window statistics over the trailing window
func (h *Handler) HistoryStats(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if s := r.URL.Query().Get("window"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			BadRequest(w, "window must be a positive duration")
			return
		}
		window = d
	}
	OK(w, h.deps.Engine.WindowStats(window))
}

// HistoryRange returns persisted history between from and to
func (h *Handler) HistoryRange(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		Unavailable(w, "history persistence is not enabled")
		return
	}

	from, err := timeParam(r, "from")
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	to, err := timeParam(r, "to")
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	if from.IsZero() {
		from = time.Now().Add(-24 * time.Hour)
	}
	limit, err := intParam(r, "limit", 1000)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	records, err := h.deps.History.Range(r.Context(), from, to, limit)
	if err != nil {
		h.logger.Error("Failed to read history", "error", err)
		InternalError(w, "failed to read history")
		return
	}
	OK(w, records)
}

// ListSpaces returns every space of the current snapshot
func (h *Handler) ListSpaces(w http.ResponseWriter, r *http.Request) {
	OK(w, h.deps.Engine.CurrentSnapshot().Spaces)
}

// GetSpace returns one space
func (h *Handler) GetSpace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	space, ok := h.deps.Engine.CurrentSnapshot().Space(id)
	if !ok {
		NotFound(w, "space not found: "+id)
		return
	}
	OK(w, space)
}

// PersistedStates returns the last committed state of each space as
// stored, which survives restarts
func (h *Handler) PersistedStates(w http.ResponseWriter, r *http.Request) {
	if h.deps.States == nil {
		Unavailable(w, "state persistence is not enabled")
		return
	}
	states, err := h.deps.States.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to read space states", "error", err)
		InternalError(w, "failed to read space states")
		return
	}
	OK(w, states)
}

// ListGroups returns every group of the current snapshot
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	OK(w, h.deps.Engine.CurrentSnapshot().Groups)
}

// GetGroup returns one group
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	group, ok := h.deps.Engine.CurrentSnapshot().Group(id)
	if !ok {
		NotFound(w, "group not found: "+id)
		return
	}
	OK(w, group)
}

// ListTracks returns the active confirmed tracks
func (h *Handler) ListTracks(w http.ResponseWriter, r *http.Request) {
	OK(w, h.deps.Engine.CurrentSnapshot().Tracks)
}

// ListEvents lists persisted events with filters and pagination
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.deps.Events == nil {
		Unavailable(w, "event persistence is not enabled")
		return
	}

	q := r.URL.Query()
	page, err := intParam(r, "page", 1)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	perPage, err := intParam(r, "per_page", 50)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 1000 {
		perPage = 50
	}

	opts := events.ListOptions{
		Type:    events.EventType(q.Get("type")),
		SpaceID: q.Get("space_id"),
		GroupID: q.Get("group_id"),
		Limit:   perPage,
		Offset:  (page - 1) * perPage,
	}
	if opts.StartTime, err = timeParam(r, "start"); err != nil {
		BadRequest(w, err.Error())
		return
	}
	if opts.EndTime, err = timeParam(r, "end"); err != nil {
		BadRequest(w, err.Error())
		return
	}

	list, total, err := h.deps.Events.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("Failed to list events", "error", err)
		InternalError(w, "failed to list events")
		return
	}
	List(w, list, total, page, perPage)
}

// GetEvent returns one persisted event
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	if h.deps.Events == nil {
		Unavailable(w, "event persistence is not enabled")
		return
	}

	id := chi.URLParam(r, "id")
	event, err := h.deps.Events.Get(r.Context(), id)
	if errors.Is(err, events.ErrNotFound) {
		NotFound(w, "event not found: "+id)
		return
	}
	if err != nil {
		h.logger.Error("Failed to get event", "id", id, "error", err)
		InternalError(w, "failed to get event")
		return
	}
	OK(w, event)
}

// EngineStatus returns the loop status
func (h *Handler) EngineStatus(w http.ResponseWriter, r *http.Request) {
	OK(w, h.deps.Engine.Status())
}

// StartEngine starts the loop on the configured source
func (h *Handler) StartEngine(w http.ResponseWriter, r *http.Request) {
	if h.deps.Start == nil {
		Unavailable(w, "engine start is not available")
		return
	}
	result, err := h.deps.Start(r.Context())
	if err != nil {
		h.controlError(w, err)
		return
	}
	OK(w, map[string]interface{}{"result": result, "status": h.deps.Engine.Status()})
}

// StopEngine stops the loop. The last snapshot stays readable.
func (h *Handler) StopEngine(w http.ResponseWriter, r *http.Request) {
	result, err := h.deps.Engine.Stop()
	if err != nil {
		h.controlError(w, err)
		return
	}
	OK(w, map[string]interface{}{"result": result, "status": h.deps.Engine.Status()})
}

// LayoutRequest is the body of PUT /layout
type LayoutRequest struct {
	Spaces []geometry.Space `json:"spaces"`
	Groups []geometry.Group `json:"groups"`
}

// GetLayout returns the layout the engine currently runs with
func (h *Handler) GetLayout(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Engine.Config()
	OK(w, LayoutRequest{Spaces: cfg.Spaces, Groups: cfg.Groups})
}

// UpdateLayout reconfigures the running engine. The layout is installed at
// the next frame and persisted once accepted.
func (h *Handler) UpdateLayout(w http.ResponseWriter, r *http.Request) {
	var req LayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	result, err := h.deps.Engine.Reconfigure(req.Spaces, req.Groups)
	if err != nil {
		h.controlError(w, err)
		return
	}

	persisted := false
	if h.deps.Layout != nil {
		if err := h.deps.Layout.SetLayout(req.Spaces, req.Groups); err != nil {
			h.logger.Warn("Failed to persist layout", "error", err)
		} else {
			persisted = true
		}
	}

	h.logger.Info("Layout updated", "spaces", len(req.Spaces), "groups", len(req.Groups))
	OK(w, map[string]interface{}{"result": result, "persisted": persisted})
}

// RecentLogs returns buffered log entries, oldest first
func (h *Handler) RecentLogs(w http.ResponseWriter, r *http.Request) {
	if h.deps.Logs == nil {
		OK(w, []logging.LogEntry{})
		return
	}
	n, err := intParam(r, "n", 100)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	q := r.URL.Query()
	filter := logging.Filter{Level: q.Get("level"), Component: q.Get("component")}
	OK(w, h.deps.Logs.GetRecent(n, filter))
}

func (h *Handler) controlError(w http.ResponseWriter, err error) {
	var cfgErr *engine.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		ValidationErrorResponse(w, cfgErr.Errors)
	case errors.Is(err, engine.ErrNotRunning):
		Conflict(w, err.Error())
	default:
		h.logger.Error("Engine control failed", "error", err)
		InternalError(w, err.Error())
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return v, nil
}

// timeParam accepts RFC 3339 or unix seconds; empty yields the zero time
func timeParam(r *http.Request, name string) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	return time.Time{}, errors.New(name + " must be RFC 3339 or unix seconds")
}
