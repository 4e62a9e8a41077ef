// Package watch tracks deployment watch windows.
//
// Every operation touching a (repository, branch) key runs under that key's
// lock, so supersede-and-create is atomic and keys never contend with each other.
package watch

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

// DefaultTTL is the watch window applied when a notification carries none.
const DefaultTTL = 5 * time.Minute

const defaultHistoryPerKey = 20

// ErrNotFound is returned for unknown watch identifiers.
var ErrNotFound = errors.New("watch not found")

// Transition describes a status change, delivered to observers after the key lock is released.
type Transition struct {
	Watch models.DeploymentWatch `json:"watch"`
	From  models.WatchState      `json:"from,omitempty"`
	To    models.WatchState      `json:"to"`
}

// Observer receives watch lifecycle events.
type Observer func(Transition)

// Option customises a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(fn Observer) Option {
	return func(r *Registry) {
		if fn != nil {
			r.observers = append(r.observers, fn)
		}
	}
}

// WithHistoryPerKey bounds how many watches are retained per (repository, branch).
func WithHistoryPerKey(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.historyPerKey = n
		}
	}
}

// WithIDGenerator overrides watch ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// Registry holds deployment watches. The zero value is not usable; call NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	keys  map[models.WatchKey]*keyState
	index map[string]*keyState

	now           func() time.Time
	newID         func() string
	historyPerKey int
	observers     []Observer
}

type keyState struct {
	mu      sync.Mutex
	key     models.WatchKey
	watches []*models.DeploymentWatch
	active  *models.DeploymentWatch
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		keys:          make(map[models.WatchKey]*keyState),
		index:         make(map[string]*keyState),
		now:           time.Now,
		newID:         func() string { return "deploy-" + uuid.NewString() },
		historyPerKey: defaultHistoryPerKey,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open starts a watch for the deployment, superseding any active watch on the same branch.
func (r *Registry) Open(repository, branch, commit, author, message string, ttl time.Duration) models.DeploymentWatch {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := models.NewWatchKey(repository, branch)
	ks := r.state(key, true)

	var transitions []Transition
	ks.mu.Lock()
	now := r.now()
	if prev := ks.active; prev != nil {
		if t, ok := r.lapse(ks, now); ok {
			transitions = append(transitions, t)
		}
	}
	if prev := ks.active; prev != nil {
		transitions = append(transitions, r.resolve(ks, prev, now, models.OutcomeSuperseded))
	}

	w := &models.DeploymentWatch{
		ID:         r.newID(),
		Repository: key.Repository,
		Branch:     key.Branch,
		Commit:     commit,
		Author:     author,
		Message:    message,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		Status:     models.WatchWatching,
	}
	ks.active = w
	ks.watches = append(ks.watches, w)
	dropped := r.trim(ks)
	opened := *w
	transitions = append(transitions, Transition{Watch: opened, To: models.WatchWatching})

	// Lock order is always key then registry.
	r.mu.Lock()
	r.index[opened.ID] = ks
	for _, id := range dropped {
		delete(r.index, id)
	}
	r.mu.Unlock()
	ks.mu.Unlock()

	r.emit(transitions)
	return opened
}

// FindActive returns the watching window for the key that contains at. Windows whose
// expiry has passed are transitioned first so they can never match.
func (r *Registry) FindActive(repository, branch string, at time.Time) (models.DeploymentWatch, bool) {
	ks := r.state(models.NewWatchKey(repository, branch), false)
	if ks == nil {
		return models.DeploymentWatch{}, false
	}

	ks.mu.Lock()
	t, lapsed := r.lapse(ks, r.now())
	var (
		found models.DeploymentWatch
		ok    bool
	)
	if ks.active != nil && ks.active.Contains(at) {
		found, ok = *ks.active, true
	}
	ks.mu.Unlock()

	if lapsed {
		r.emit([]Transition{t})
	}
	return found, ok
}

// MarkAttributed increments the attributed-error count without changing status.
func (r *Registry) MarkAttributed(id string) (models.DeploymentWatch, error) {
	ks := r.lookup(id)
	if ks == nil {
		return models.DeploymentWatch{}, ErrNotFound
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	w := ks.find(id)
	if w == nil {
		return models.DeploymentWatch{}, ErrNotFound
	}
	w.AttributedErrors++
	return *w, nil
}

// Close resolves the watch. Closing an already resolved watch is a no-op.
func (r *Registry) Close(id, outcome string) (models.DeploymentWatch, error) {
	ks := r.lookup(id)
	if ks == nil {
		return models.DeploymentWatch{}, ErrNotFound
	}
	if outcome == "" {
		outcome = models.OutcomeClosed
	}

	ks.mu.Lock()
	w := ks.find(id)
	if w == nil {
		ks.mu.Unlock()
		return models.DeploymentWatch{}, ErrNotFound
	}
	if w.Status == models.WatchResolved {
		snapshot := *w
		ks.mu.Unlock()
		return snapshot, nil
	}
	t := r.resolve(ks, w, r.now(), outcome)
	ks.mu.Unlock()

	r.emit([]Transition{t})
	return t.Watch, nil
}

// Get returns a snapshot of the watch.
func (r *Registry) Get(id string) (models.DeploymentWatch, error) {
	ks := r.lookup(id)
	if ks == nil {
		return models.DeploymentWatch{}, ErrNotFound
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	w := ks.find(id)
	if w == nil {
		return models.DeploymentWatch{}, ErrNotFound
	}
	return *w, nil
}

// Status reports the state and remaining window for a key at the given instant.
func (r *Registry) Status(repository, branch string, at time.Time) models.WatchStatus {
	key := models.NewWatchKey(repository, branch)
	status := models.WatchStatus{Repository: key.Repository, Branch: key.Branch, State: models.WatchStateIdle}

	ks := r.state(key, false)
	if ks == nil {
		return status
	}

	ks.mu.Lock()
	t, lapsed := r.lapse(ks, r.now())
	if n := len(ks.watches); n > 0 {
		latest := *ks.watches[n-1]
		status.State = string(latest.Status)
		status.Remaining = latest.Remaining(at)
		status.Watch = &latest
	}
	ks.mu.Unlock()

	if lapsed {
		r.emit([]Transition{t})
	}
	return status
}

// Recent returns up to limit watches across all keys, newest first.
func (r *Registry) Recent(limit int) []models.DeploymentWatch {
	var out []models.DeploymentWatch
	for _, ks := range r.allStates() {
		ks.mu.Lock()
		for _, w := range ks.watches {
			out = append(out, *w)
		}
		ks.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Sweep applies lazy expiry to every key and returns the transitions it caused.
func (r *Registry) Sweep() []Transition {
	var transitions []Transition
	now := r.now()
	for _, ks := range r.allStates() {
		ks.mu.Lock()
		if t, ok := r.lapse(ks, now); ok {
			transitions = append(transitions, t)
		}
		ks.mu.Unlock()
	}
	r.emit(transitions)
	return transitions
}

// lapse ends the active window once now has reached its expiry. Callers hold ks.mu.
func (r *Registry) lapse(ks *keyState, now time.Time) (Transition, bool) {
	w := ks.active
	if w == nil || now.Before(w.ExpiresAt) {
		return Transition{}, false
	}
	if w.AttributedErrors > 0 {
		return r.resolve(ks, w, w.ExpiresAt, models.OutcomeLapsed), true
	}
	from := w.Status
	w.Status = models.WatchExpired
	w.ClosedAt = w.ExpiresAt
	ks.active = nil
	return Transition{Watch: *w, From: from, To: models.WatchExpired}, true
}

// resolve marks w resolved. Callers hold ks.mu.
func (r *Registry) resolve(ks *keyState, w *models.DeploymentWatch, at time.Time, outcome string) Transition {
	from := w.Status
	w.Status = models.WatchResolved
	w.ClosedAt = at
	w.Outcome = outcome
	if ks.active == w {
		ks.active = nil
	}
	return Transition{Watch: *w, From: from, To: models.WatchResolved}
}

// trim drops the oldest inactive watches beyond the history bound. Callers hold ks.mu.
func (r *Registry) trim(ks *keyState) []string {
	excess := len(ks.watches) - r.historyPerKey
	if excess <= 0 {
		return nil
	}
	dropped := make([]string, 0, excess)
	kept := ks.watches[:0]
	for _, w := range ks.watches {
		if excess > 0 && w != ks.active {
			dropped = append(dropped, w.ID)
			excess--
			continue
		}
		kept = append(kept, w)
	}
	ks.watches = kept
	return dropped
}

func (ks *keyState) find(id string) *models.DeploymentWatch {
	for i := len(ks.watches) - 1; i >= 0; i-- {
		if ks.watches[i].ID == id {
			return ks.watches[i]
		}
	}
	return nil
}

func (r *Registry) state(key models.WatchKey, create bool) *keyState {
	r.mu.RLock()
	ks, ok := r.keys[key]
	r.mu.RUnlock()
	if ok || !create {
		return ks
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ks, ok = r.keys[key]; ok {
		return ks
	}
	ks = &keyState{key: key}
	r.keys[key] = ks
	return ks
}

func (r *Registry) lookup(id string) *keyState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index[id]
}

func (r *Registry) allStates() []*keyState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make([]*keyState, 0, len(r.keys))
	for _, ks := range r.keys {
		states = append(states, ks)
	}
	return states
}

func (r *Registry) emit(transitions []Transition) {
	for _, t := range transitions {
		for _, fn := range r.observers {
			fn(t)
		}
	}
}
