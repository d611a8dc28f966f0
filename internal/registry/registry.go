// Package registry owns the set of telephony provider configurations: validated
// CRUD, the single-active invariant, persistence through a Store, and the
// health-check loop that escalates sustained failures into bounded recovery.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"coldcaller-telephony/internal/events"
	"coldcaller-telephony/internal/reconnect"
	"coldcaller-telephony/internal/telephony"
)

var (
	ErrNotFound           = errors.New("registry: configuration not found")
	ErrActiveConfigDelete = errors.New("registry: cannot delete the active configuration")
	ErrNoActiveConfig     = errors.New("registry: no active configuration")
)

// State is everything a Store persists: the config map and the active pointer.
type State struct {
	Configs  map[string]Config `json:"configs"`
	ActiveID string            `json:"activeConfigId"`
}

func (s State) clone() State {
	out := State{Configs: make(map[string]Config, len(s.Configs)), ActiveID: s.ActiveID}
	for id, c := range s.Configs {
		out.Configs[id] = c.clone()
	}
	return out
}

// Store persists registry state. Save must be atomic: readers of the store
// observe either the previous or the new state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// ProviderResolver resolves a configuration's provider name. *telephony.Registry satisfies it.
type ProviderResolver interface {
	Get(name string) (telephony.Provider, error)
}

type Options struct {
	Store     Store
	Providers ProviderResolver
	Events    events.Publisher
	Logger    *slog.Logger
	Now       func() time.Time

	HealthInterval   time.Duration
	FailureThreshold int
	HistoryLimit     int
	RecoveryMaxDelay time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.Events == nil {
		out.Events = events.Discard
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.HealthInterval <= 0 {
		out.HealthInterval = 30 * time.Second
	}
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 3
	}
	if out.HistoryLimit <= 0 {
		out.HistoryLimit = 10
	}
	if out.RecoveryMaxDelay <= 0 {
		out.RecoveryMaxDelay = reconnect.DefaultMaxDelay
	}
	return out
}

type Registry struct {
	opts Options
	log  *slog.Logger

	// writeMu serializes mutations, including their Save; mu guards the
	// published snapshot that readers see.
	writeMu sync.Mutex
	mu      sync.RWMutex
	state   State

	// hmu guards health-loop state. Lock order: hmu before mu.
	hmu         sync.Mutex
	loopCancel  context.CancelFunc
	loopDone    chan struct{}
	consecutive int
	recovery    *reconnect.Controller
	exhausted   bool
	lastCheck   *TestResult
}

// New loads persisted state and repairs the single-active invariant if the
// store holds a dangling or conflicting active flag.
func New(ctx context.Context, opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("registry: store is required")
	}
	if opts.Providers == nil {
		return nil, errors.New("registry: provider resolver is required")
	}
	opts = opts.withDefaults()

	st, err := opts.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: load: %w", err)
	}
	if st.Configs == nil {
		st.Configs = make(map[string]Config)
	}
	if _, ok := st.Configs[st.ActiveID]; !ok {
		st.ActiveID = ""
	}
	for id, c := range st.Configs {
		c.IsActive = id == st.ActiveID
		st.Configs[id] = c
	}

	return &Registry{opts: opts, log: opts.Logger.With("component", "registry"), state: st}, nil
}

func (r *Registry) now() time.Time { return r.opts.Now().UTC() }

func (r *Registry) publish(t events.Type, source string, payload map[string]any) {
	r.opts.Events.Publish(events.New(t, source, r.now(), payload))
}

// mutate applies fn to a private copy of the state, persists it, then
// publishes it to readers. Readers never see a partially applied change.
func (r *Registry) mutate(ctx context.Context, fn func(next *State) error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	next := r.state.clone()
	r.mu.RUnlock()

	if err := fn(&next); err != nil {
		return err
	}
	if err := r.opts.Store.Save(ctx, next); err != nil {
		return fmt.Errorf("registry: persist: %w", err)
	}

	r.mu.Lock()
	r.state = next
	r.mu.Unlock()
	return nil
}

func (r *Registry) Create(ctx context.Context, in Input) (View, error) {
	now := r.now()
	c := withDefaults(in.apply(Config{}))
	if err := Validate(c); err != nil {
		return View{}, err
	}

	err := r.mutate(ctx, func(next *State) error {
		base := deriveID(c, now)
		id := base
		for n := 2; ; n++ {
			if _, taken := next.Configs[id]; !taken {
				break
			}
			id = fmt.Sprintf("%s-%d", base, n)
		}
		c.ID = id
		c.IsActive = false
		c.CreatedAt, c.UpdatedAt = now, now
		next.Configs[id] = c
		return nil
	})
	if err != nil {
		return View{}, err
	}

	v := Sanitize(c)
	r.log.Info("configuration created", "config_id", c.ID, "provider", c.Provider)
	r.publish(events.ConfigurationCreated, c.ID, map[string]any{"configuration": v})
	return v, nil
}

// Update merges in over the stored config and re-validates the merged result.
// On any error the stored config is unchanged.
func (r *Registry) Update(ctx context.Context, id string, in Input) (View, error) {
	var out Config
	err := r.mutate(ctx, func(next *State) error {
		cur, ok := next.Configs[id]
		if !ok {
			return ErrNotFound
		}
		merged := withDefaults(in.apply(cur.clone()))
		if err := Validate(merged); err != nil {
			return err
		}
		merged.UpdatedAt = r.now()
		next.Configs[id] = merged
		out = merged
		return nil
	})
	if err != nil {
		return View{}, err
	}

	v := Sanitize(out)
	r.publish(events.ConfigurationUpdated, id, map[string]any{"configuration": v})
	return v, nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	err := r.mutate(ctx, func(next *State) error {
		if _, ok := next.Configs[id]; !ok {
			return ErrNotFound
		}
		if next.ActiveID == id {
			return ErrActiveConfigDelete
		}
		delete(next.Configs, id)
		return nil
	})
	if err != nil {
		return err
	}
	r.log.Info("configuration deleted", "config_id", id)
	r.publish(events.ConfigurationDeleted, id, map[string]any{"configId": id})
	return nil
}

// SetActive flips the active flag from the previous config to id in one
// mutation. It also counts as manual intervention for the health loop: any
// recovery in progress is cancelled and the exhausted latch is cleared.
func (r *Registry) SetActive(ctx context.Context, id string) (View, error) {
	var (
		out  Config
		prev string
	)
	err := r.mutate(ctx, func(next *State) error {
		c, ok := next.Configs[id]
		if !ok {
			return ErrNotFound
		}
		prev = next.ActiveID
		if prev != "" && prev != id {
			p := next.Configs[prev]
			p.IsActive = false
			next.Configs[prev] = p
		}
		c.IsActive = true
		c.UpdatedAt = r.now()
		next.Configs[id] = c
		next.ActiveID = id
		out = c
		return nil
	})
	if err != nil {
		return View{}, err
	}

	r.resetHealth()

	v := Sanitize(out)
	r.log.Info("active configuration changed", "config_id", id, "previous_id", prev)
	r.publish(events.ActiveConfigurationChanged, id, map[string]any{
		"previousId":    prev,
		"configuration": v,
	})
	return v, nil
}

// Test probes the given configuration, active or not, and records the result.
// A probe failure is reported in the result, not as an error. Testing the
// active configuration also feeds the health state; see manualCheck.
func (r *Registry) Test(ctx context.Context, id string) (TestResult, error) {
	if err := r.exists(id); err != nil {
		return TestResult{}, err
	}
	res, err := r.runTest(ctx, id)
	if err != nil {
		return res, err
	}
	if id == r.activeID() {
		r.manualCheck(id, res)
	}
	return res, nil
}

func (r *Registry) exists(id string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.state.Configs[id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (r *Registry) runTest(ctx context.Context, id string) (TestResult, error) {
	r.mu.RLock()
	c, ok := r.state.Configs[id]
	if ok {
		c = c.clone()
	}
	r.mu.RUnlock()
	if !ok {
		return TestResult{}, ErrNotFound
	}

	started := r.now()
	var (
		latency time.Duration
		perr    error
	)
	p, err := r.opts.Providers.Get(c.Provider)
	if err != nil {
		perr = err
	} else {
		latency, perr = telephony.Probe(ctx, p, c.Endpoint(), c.ConnectionTimeout())
	}

	res := TestResult{
		ConfigID:  id,
		Timestamp: started,
		Success:   perr == nil,
		Message:   "connection successful",
		LatencyMs: latency.Milliseconds(),
	}
	if perr != nil {
		res.Message = perr.Error()
	}

	failures := 0
	// Persist even if the caller's ctx is already done.
	err = r.mutate(context.WithoutCancel(ctx), func(next *State) error {
		cur, ok := next.Configs[id]
		if !ok {
			return ErrNotFound
		}
		cur.ConnectionHistory = append(cur.ConnectionHistory, res)
		if n := len(cur.ConnectionHistory) - r.opts.HistoryLimit; n > 0 {
			cur.ConnectionHistory = append([]TestResult(nil), cur.ConnectionHistory[n:]...)
		}
		if res.Success {
			cur.FailureCount = 0
		} else {
			cur.FailureCount++
		}
		ts := res.Timestamp
		cur.LastTestedAt = &ts
		next.Configs[id] = cur
		failures = cur.FailureCount
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		r.log.Warn("test result not recorded", "config_id", id, "err", err)
	}

	r.log.Debug("connection test", "config_id", id, "success", res.Success, "latency_ms", res.LatencyMs)
	r.publish(events.ConnectionTest, id, map[string]any{
		"result":       res,
		"failureCount": failures,
	})
	return res, nil
}

func (r *Registry) Get(id string) (View, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.state.Configs[id]
	if !ok {
		return View{}, ErrNotFound
	}
	return Sanitize(c), nil
}

// List returns every configuration, oldest first.
func (r *Registry) List() []View {
	r.mu.RLock()
	out := make([]View, 0, len(r.state.Configs))
	for _, c := range r.state.Configs {
		out = append(out, Sanitize(c))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Active() (View, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state.ActiveID == "" {
		return View{}, ErrNoActiveConfig
	}
	return Sanitize(r.state.Configs[r.state.ActiveID]), nil
}

func (r *Registry) activeID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.ActiveID
}

// OpenActiveTransport builds a media transport for the active configuration.
// The secret goes to the provider only; the caller receives the sanitized view.
func (r *Registry) OpenActiveTransport() (telephony.Transport, View, error) {
	r.mu.RLock()
	id := r.state.ActiveID
	c := r.state.Configs[id].clone()
	r.mu.RUnlock()
	if id == "" {
		return nil, View{}, ErrNoActiveConfig
	}

	p, err := r.opts.Providers.Get(c.Provider)
	if err != nil {
		return nil, View{}, err
	}
	tr, err := p.NewTransport(c.Endpoint())
	if err != nil {
		return nil, View{}, fmt.Errorf("registry: open transport for %s: %w", id, err)
	}
	return tr, Sanitize(c), nil
}

// Close stops monitoring and any recovery in progress.
func (r *Registry) Close() {
	r.StopMonitoring()
	r.resetHealth()
}
