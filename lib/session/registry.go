// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"sync"

	"github.com/nicobailon/pi-interactive-shell/lib/clock"
	"github.com/nicobailon/pi-interactive-shell/lib/sessionid"
)

const (
	// exitPollInterval is how often background/minimized exit
	// watchers poll the child.
	exitPollInterval = time.Second

	// cleanupDelay is how long an exited background/minimized
	// session lingers before disposal, giving the user a window to
	// reattach and see the exit.
	cleanupDelay = 30 * time.Second
)

// BackgroundSession is a detached PTY session plus its identity. The
// same shape serves the background (visible, attachable) and
// minimized (hidden) maps.
type BackgroundSession struct {
	ID          string
	Name        string
	Command     string
	Reason      string
	StartedAt   time.Time
	MinimizedAt time.Time
	Terminal    Terminal
}

// Registry is the process-wide session directory. It owns the ID
// pool, the active/background/minimized maps, the per-session exit
// watchers, and the overlay mutual-exclusion guard. All methods are
// safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	clk    clock.Clock
	logger *slog.Logger
	pool   *sessionid.Pool

	active     map[string]*Controller
	background map[string]*BackgroundSession
	minimized  map[string]*BackgroundSession

	// watchers poll a detached session for exit; cleanups dispose it
	// a grace period after the exit was observed.
	watchers map[string]*clock.Timer
	cleanups map[string]*clock.Timer

	overlayOpen bool
}

// NewRegistry creates an empty registry.
func NewRegistry(clk clock.Clock, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clk:        clk,
		logger:     logger.With("component", "registry"),
		pool:       sessionid.NewPool(clk.Now),
		active:     make(map[string]*Controller),
		background: make(map[string]*BackgroundSession),
		minimized:  make(map[string]*BackgroundSession),
		watchers:   make(map[string]*clock.Timer),
		cleanups:   make(map[string]*clock.Timer),
	}
}

// GenerateID reserves and returns a fresh session identifier.
func (r *Registry) GenerateID() string { return r.pool.Generate() }

// ReleaseID returns an identifier to the pool.
func (r *Registry) ReleaseID(id string) { r.pool.Release(id) }

// RegisterActive adds a controller to the active map. The ID must
// already be reserved (GenerateID or a fresh reservation). A
// controller that finished before registration (instant child exit)
// is skipped — its finish path already settled the ID.
func (r *Registry) RegisterActive(c *Controller) error {
	// Checked before taking the registry lock: the controller lock is
	// never acquired under it.
	if c.Finished() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := c.ID()
	if _, exists := r.active[id]; exists {
		return fmt.Errorf("session %q already active", id)
	}
	r.active[id] = c
	return nil
}

// UnregisterActive removes a controller from the active map. With
// release, the ID returns to the pool; without, the ID stays reserved
// (takeover, background/minimize transfer).
func (r *Registry) UnregisterActive(id string, release bool) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
	if release {
		r.pool.Release(id)
	}
}

// GetActive returns the active controller for an ID.
func (r *Registry) GetActive(id string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.active[id]
	return c, ok
}

// ListActive returns a snapshot of the active controllers.
func (r *Registry) ListActive() []*Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Controller, 0, len(r.active))
	for _, c := range r.active {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// WriteToActive sends bytes to an active session's child.
func (r *Registry) WriteToActive(id string, data []byte) error {
	c, ok := r.GetActive(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	return c.SendInput(data)
}

// SetActiveUpdateInterval adjusts a running session's hands-free
// interval.
func (r *Registry) SetActiveUpdateInterval(id string, ms int) error {
	c, ok := r.GetActive(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	c.SetUpdateInterval(ms)
	return nil
}

// SetActiveQuietThreshold adjusts a running session's quiet window.
func (r *Registry) SetActiveQuietThreshold(id string, ms int) error {
	c, ok := r.GetActive(id)
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	c.SetQuietThreshold(ms)
	return nil
}

// ---- background sessions ----

// AddBackground registers a detached session under a fresh ID and
// starts its exit watcher. Returns the ID.
func (r *Registry) AddBackground(command string, term Terminal, name, reason string) string {
	id := r.pool.Generate()
	r.AddBackgroundWithID(id, command, term, name, reason)
	return id
}

// AddBackgroundWithID registers a detached session under an existing
// reserved ID (the double-escape background path keeps the session's
// ID).
func (r *Registry) AddBackgroundWithID(id, command string, term Terminal, name, reason string) {
	r.mu.Lock()
	r.background[id] = &BackgroundSession{
		ID:        id,
		Name:      name,
		Command:   command,
		Reason:    reason,
		StartedAt: r.clk.Now(),
		Terminal:  term,
	}
	r.startWatcherLocked(id, term)
	r.mu.Unlock()
	r.logger.Info("session backgrounded", "session", id)
}

// RemoveBackground drops a background session without disposing its
// PTY. The caller owns the terminal afterwards; the ID stays
// reserved.
func (r *Registry) RemoveBackground(id string) (*BackgroundSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.background[id]
	if !ok {
		return nil, false
	}
	delete(r.background, id)
	r.stopWatcherLocked(id)
	r.cancelCleanupLocked(id)
	return s, true
}

// ListBackground returns background sessions ordered by start time.
func (r *Registry) ListBackground() []*BackgroundSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*BackgroundSession, 0, len(r.background))
	for _, s := range r.background {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// GetBackground looks up a background session and cancels any pending
// cleanup — a reattach during the grace window must observe the
// exited session rather than lose it.
func (r *Registry) GetBackground(id string) (*BackgroundSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.background[id]
	if ok {
		r.cancelCleanupLocked(id)
	}
	return s, ok
}

// ---- minimized sessions ----

// Minimize registers a detached session in the minimized map under
// its existing ID, hidden until restored.
func (r *Registry) Minimize(id, command string, term Terminal, name, reason string) {
	r.mu.Lock()
	r.minimized[id] = &BackgroundSession{
		ID:          id,
		Name:        name,
		Command:     command,
		Reason:      reason,
		StartedAt:   r.clk.Now(),
		MinimizedAt: r.clk.Now(),
		Terminal:    term,
	}
	r.startWatcherLocked(id, term)
	r.mu.Unlock()
	r.logger.Info("session minimized", "session", id)
}

// Restore removes a minimized session and returns it, cancelling any
// pending cleanup. The ID stays reserved.
func (r *Registry) Restore(id string) (*BackgroundSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.minimized[id]
	if !ok {
		return nil, false
	}
	delete(r.minimized, id)
	r.stopWatcherLocked(id)
	r.cancelCleanupLocked(id)
	return s, true
}

// RemoveMinimized drops a minimized session without disposal.
func (r *Registry) RemoveMinimized(id string) (*BackgroundSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.minimized[id]
	if !ok {
		return nil, false
	}
	delete(r.minimized, id)
	r.stopWatcherLocked(id)
	r.cancelCleanupLocked(id)
	return s, true
}

// ListMinimized returns minimized sessions ordered by minimize time.
func (r *Registry) ListMinimized() []*BackgroundSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*BackgroundSession, 0, len(r.minimized))
	for _, s := range r.minimized {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinimizedAt.Before(out[j].MinimizedAt) })
	return out
}

// TransferBackgroundToMinimized moves a session between the two maps
// without disposing the PTY or perturbing its watcher state.
func (r *Registry) TransferBackgroundToMinimized(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.background[id]
	if !ok {
		return false
	}
	delete(r.background, id)
	s.MinimizedAt = r.clk.Now()
	r.minimized[id] = s
	return true
}

// ---- exit watchers ----

// startWatcherLocked arms the 1 s exit poll for a detached session.
func (r *Registry) startWatcherLocked(id string, term Terminal) {
	if _, exists := r.watchers[id]; exists {
		return
	}
	var poll func()
	poll = func() {
		r.mu.Lock()
		if _, watching := r.watchers[id]; !watching {
			r.mu.Unlock()
			return
		}
		if !term.Exited() {
			r.watchers[id] = r.clk.AfterFunc(exitPollInterval, poll)
			r.mu.Unlock()
			return
		}
		// First observed exit: stop watching, start the cleanup
		// grace timer.
		delete(r.watchers, id)
		r.cleanups[id] = r.clk.AfterFunc(cleanupDelay, func() { r.cleanupExpired(id) })
		r.mu.Unlock()
		r.logger.Info("detached session exited", "session", id)
	}
	r.watchers[id] = r.clk.AfterFunc(exitPollInterval, poll)
}

func (r *Registry) stopWatcherLocked(id string) {
	if t, ok := r.watchers[id]; ok {
		t.Stop()
		delete(r.watchers, id)
	}
}

func (r *Registry) cancelCleanupLocked(id string) {
	if t, ok := r.cleanups[id]; ok {
		t.Stop()
		delete(r.cleanups, id)
	}
}

// cleanupExpired disposes an exited detached session after the grace
// period, releasing its ID.
func (r *Registry) cleanupExpired(id string) {
	r.mu.Lock()
	if _, pending := r.cleanups[id]; !pending {
		r.mu.Unlock()
		return
	}
	delete(r.cleanups, id)

	var term Terminal
	if s, ok := r.background[id]; ok {
		term = s.Terminal
		delete(r.background, id)
	} else if s, ok := r.minimized[id]; ok {
		term = s.Terminal
		delete(r.minimized, id)
	}
	r.mu.Unlock()

	if term != nil {
		term.Dispose()
	}
	r.pool.Release(id)
	r.logger.Info("detached session cleaned up", "session", id)
}

// ---- overlay mutual exclusion ----

// TryOpenOverlay claims the single overlay slot. Returns false when
// another overlay is rendering.
func (r *Registry) TryOpenOverlay() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.overlayOpen {
		return false
	}
	r.overlayOpen = true
	return true
}

// CloseOverlay releases the overlay slot.
func (r *Registry) CloseOverlay() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overlayOpen = false
}

// OverlayOpen reports whether an overlay is rendering.
func (r *Registry) OverlayOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overlayOpen
}

// ---- shutdown ----

// KillAll terminates everything on host shutdown: every active
// controller is killed (natural unregister propagates through the
// controller's finish path), and every background and minimized
// session is disposed. Iteration works over snapshots so callbacks
// may mutate the maps safely.
func (r *Registry) KillAll() {
	for _, c := range r.ListActive() {
		c.Kill()
	}

	r.mu.Lock()
	detached := make([]*BackgroundSession, 0, len(r.background)+len(r.minimized))
	for _, s := range r.background {
		detached = append(detached, s)
	}
	for _, s := range r.minimized {
		detached = append(detached, s)
	}
	r.background = make(map[string]*BackgroundSession)
	r.minimized = make(map[string]*BackgroundSession)
	for id, t := range r.watchers {
		t.Stop()
		delete(r.watchers, id)
	}
	for id, t := range r.cleanups {
		t.Stop()
		delete(r.cleanups, id)
	}
	r.mu.Unlock()

	for _, s := range detached {
		s.Terminal.Dispose()
		r.pool.Release(s.ID)
	}
	r.logger.Info("registry shut down", "detached_disposed", len(detached))
}
