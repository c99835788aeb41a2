package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"feishubot/internal/config"
	"feishubot/internal/eventbus"
	logx "feishubot/pkg/logx"
)

const callTimeout = 10 * time.Second

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrNotRunning     = errors.New("plugin not running")
)

// Lifecycle events published on the bus.
const (
	EventStarted      = "plugin.started"
	EventStopped      = "plugin.stopped"
	EventStartFailed  = "plugin.start_failed"
	EventConfigFailed = "plugin.config_failed"
)

type lifecycleEvent struct {
	Plugin string `json:"plugin"`
	Reason string `json:"reason,omitempty"`
	Err    string `json:"err,omitempty"`
}

// Status is one plugin as seen by Snapshot.
type Status struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"` // config flag
	Running     bool   `json:"running"`
	Ready       bool   `json:"ready"` // StateReporter.Enabled, or Running when not implemented
	Quarantined bool   `json:"quarantined"`
	Err         string `json:"err,omitempty"`
}

// Manager maps config.Plugins[name] onto registered plugins: it starts,
// reconfigures and stops them as the config changes, and owns the command registry.
type Manager struct {
	mu sync.Mutex

	log  logx.Logger
	cfgm *config.Manager
	deps Deps
	cmds *Registry

	reg     map[string]Plugin
	run     map[string]bool
	inited  map[string]bool
	rawHash map[string]uint64
	cancel  map[string]context.CancelFunc
	// quarantine keeps a plugin stopped until its config changes.
	quarantine map[string]quarantineState

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

type quarantineState struct {
	hash  uint64
	err   string
	since time.Time
}

func NewManager(log logx.Logger, cfgm *config.Manager, deps Deps) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:        log.With(logx.String("comp", "plugins")),
		cfgm:       cfgm,
		deps:       deps,
		cmds:       NewRegistry(),
		reg:        map[string]Plugin{},
		run:        map[string]bool{},
		inited:     map[string]bool{},
		rawHash:    map[string]uint64{},
		cancel:     map[string]context.CancelFunc{},
		quarantine: map[string]quarantineState{},
		baseCtx:    base,
		baseCancel: cancel,
	}
}

func (pm *Manager) Register(p ...Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, pl := range p {
		pm.reg[pl.Name()] = pl
	}
}

// Lookup returns a registered plugin by name.
func (pm *Manager) Lookup(name string) (Plugin, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, ok := pm.reg[name]
	return p, ok
}

func (pm *Manager) Commands() *Registry { return pm.cmds }

func (pm *Manager) emit(typ string, ev lifecycleEvent) {
	if pm.deps.Bus != nil {
		pm.deps.Bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

// StartAll starts every plugin enabled in the current config.
func (pm *Manager) StartAll(ctx context.Context) error {
	cfg := pm.cfgm.Get()
	if cfg == nil {
		return errors.New("config not loaded")
	}
	context.AfterFunc(ctx, pm.baseCancel)
	pm.reconcile(cfg)
	return nil
}

// OnConfigUpdate reconciles running plugins against cfg.
func (pm *Manager) OnConfigUpdate(cfg *config.Config) {
	if cfg != nil {
		pm.reconcile(cfg)
	}
}

// StopAll stops every running plugin; each Stop is bounded by ctx.
func (pm *Manager) StopAll(ctx context.Context, reason string) {
	pm.mu.Lock()
	names := make([]string, 0, len(pm.run))
	for name, running := range pm.run {
		if running {
			names = append(names, name)
		}
	}
	pm.mu.Unlock()
	sort.Strings(names)
	for _, name := range names {
		pm.stopOne(ctx, name, reason)
	}
	pm.refreshCommands()
}

// Trigger fires the command registered at route.
func (pm *Manager) Trigger(ctx context.Context, route string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := pm.cmds.Lookup(route)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, route)
	}
	pm.mu.Lock()
	running := pm.run[c.Plugin]
	pm.mu.Unlock()
	if !running {
		return fmt.Errorf("%w: %s", ErrNotRunning, c.Plugin)
	}
	if pm.deps.Bus == nil {
		return errors.New("event bus not available")
	}
	pm.deps.Bus.Publish(eventbus.Event{Type: c.Event, Data: eventData(c, data)})
	pm.log.Debug("command triggered", logx.String("route", c.Route), logx.String("event", c.Event))
	return nil
}

func (pm *Manager) reconcile(cfg *config.Config) {
	type op struct {
		name    string
		p       Plugin
		raw     config.PluginConfigRaw
		hash    uint64
		enabled bool
		running bool
	}
	pm.mu.Lock()
	ops := make([]op, 0, len(pm.reg))
	for name, p := range pm.reg {
		raw, ok := cfg.Plugins[name]
		ops = append(ops, op{
			name:    name,
			p:       p,
			raw:     raw,
			hash:    effectiveHash(raw),
			enabled: ok && raw.Enabled,
			running: pm.run[name],
		})
	}
	pm.mu.Unlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].name < ops[j].name })

	for _, o := range ops {
		switch {
		case o.enabled && !o.running:
			pm.start(o.name, o.p, o.raw, o.hash)
		case !o.enabled && o.running:
			ctx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
			pm.stopOne(ctx, o.name, "disabled")
			cancel()
		case o.enabled && o.running:
			pm.reconfigure(o.name, o.p, o.raw, o.hash)
		}
	}
	pm.refreshCommands()
}

func (pm *Manager) start(name string, p Plugin, raw config.PluginConfigRaw, hash uint64) {
	pm.mu.Lock()
	if q, ok := pm.quarantine[name]; ok {
		if q.hash == hash {
			pm.mu.Unlock()
			pm.log.Warn("plugin enable skipped (quarantined)", logx.String("plugin", name), logx.String("err", q.err))
			return
		}
		delete(pm.quarantine, name)
	}
	needInit := !pm.inited[name]
	pm.mu.Unlock()

	pctx, cancel := context.WithCancel(pm.baseCtx)
	if needInit {
		ictx, icancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("init."+name, func() error { return p.Init(ictx, pm.deps) })
		icancel()
		if err != nil {
			cancel()
			pm.log.Error("plugin init failed", logx.String("plugin", name), logx.Err(err))
			pm.emit(EventStartFailed, lifecycleEvent{Plugin: name, Err: err.Error()})
			return
		}
		pm.mu.Lock()
		pm.inited[name] = true
		pm.mu.Unlock()
	}

	if err := pm.applyConfig(pctx, name, p, raw); err != nil {
		cancel()
		pm.setQuarantine(name, hash, err)
		return
	}

	if err := pm.startWithTimeout(name, p, pctx, cancel); err != nil {
		cancel()
		pm.log.Error("plugin start failed", logx.String("plugin", name), logx.Err(err))
		pm.emit(EventStartFailed, lifecycleEvent{Plugin: name, Err: err.Error()})
		return
	}

	pm.mu.Lock()
	pm.run[name] = true
	pm.cancel[name] = cancel
	pm.rawHash[name] = hash
	pm.mu.Unlock()
	pm.log.Info("plugin started", logx.String("plugin", name))
	pm.emit(EventStarted, lifecycleEvent{Plugin: name})
}

func (pm *Manager) reconfigure(name string, p Plugin, raw config.PluginConfigRaw, hash uint64) {
	pm.mu.Lock()
	old := pm.rawHash[name]
	pm.mu.Unlock()
	if old == hash {
		pm.log.Debug("plugin config unchanged; skipping", logx.String("plugin", name))
		return
	}
	ctx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
	defer cancel()
	if err := pm.applyConfig(ctx, name, p, raw); err != nil {
		pm.setQuarantine(name, hash, err)
		pm.stopOne(ctx, name, "quarantine")
		return
	}
	pm.mu.Lock()
	pm.rawHash[name] = hash
	pm.mu.Unlock()
}

func (pm *Manager) applyConfig(ctx context.Context, name string, p Plugin, raw config.PluginConfigRaw) error {
	if v, ok := p.(ConfigValidator); ok {
		vctx, cancel := context.WithTimeout(ctx, callTimeout)
		err := pm.safeCall("validate."+name, func() error { return v.ValidateConfig(vctx, raw.Config) })
		cancel()
		if err != nil {
			return fmt.Errorf("config validate: %w", err)
		}
	}
	c, ok := p.(Configurable)
	if !ok {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := pm.safeCall("config."+name, func() error { return c.OnConfigChange(cctx, raw.Config) }); err != nil {
		return fmt.Errorf("config apply: %w", err)
	}
	return nil
}

func (pm *Manager) setQuarantine(name string, hash uint64, err error) {
	pm.mu.Lock()
	pm.quarantine[name] = quarantineState{hash: hash, err: err.Error(), since: time.Now()}
	pm.mu.Unlock()
	pm.log.Error("plugin quarantined until its config changes", logx.String("plugin", name), logx.Err(err))
	pm.emit(EventConfigFailed, lifecycleEvent{Plugin: name, Err: err.Error()})
}

func (pm *Manager) stopOne(ctx context.Context, name, reason string) {
	pm.mu.Lock()
	p := pm.reg[name]
	running := pm.run[name]
	cancel := pm.cancel[name]
	pm.mu.Unlock()
	if !running || p == nil {
		return
	}

	start := time.Now()
	if cancel != nil {
		cancel()
	}
	// A misbehaving Stop must not block shutdown forever.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pm.safeCall("stop."+name, func() error { return p.Stop(ctx) }); err != nil {
			pm.log.Warn("plugin stop returned error", logx.String("plugin", name), logx.Err(err))
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		pm.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", name), logx.Err(ctx.Err()))
	}

	pm.mu.Lock()
	pm.run[name] = false
	delete(pm.cancel, name)
	delete(pm.rawHash, name)
	pm.mu.Unlock()

	pm.log.Info("plugin stopped", logx.String("plugin", name), logx.String("reason", reason), logx.Duration("took", time.Since(start)))
	pm.emit(EventStopped, lifecycleEvent{Plugin: name, Reason: reason})
}

// startWithTimeout calls Start(pctx) under a deadline; on timeout pctx is canceled.
func (pm *Manager) startWithTimeout(name string, p Plugin, pctx context.Context, cancel context.CancelFunc) error {
	done := make(chan error, 1)
	go func() { done <- pm.safeCall("start."+name, func() error { return p.Start(pctx) }) }()

	t := time.NewTimer(callTimeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		cancel()
		return fmt.Errorf("start timeout (%s)", callTimeout)
	}
}

func (pm *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func (pm *Manager) refreshCommands() {
	pm.mu.Lock()
	var cmds []Command
	for name, p := range pm.reg {
		if !pm.run[name] {
			continue
		}
		for _, c := range p.Commands() {
			c.Plugin = name
			cmds = append(cmds, c)
		}
	}
	pm.mu.Unlock()
	for _, err := range pm.cmds.replace(cmds) {
		pm.log.Warn("command rejected", logx.Err(err))
	}
}

// ValidateConfig runs every enabled plugin's validator against cfg.
// It is installed as the config manager's reload validator.
func (pm *Manager) ValidateConfig(ctx context.Context, cfg *config.Config) error {
	pm.mu.Lock()
	type entry struct {
		name string
		v    ConfigValidator
	}
	var checks []entry
	for name, p := range pm.reg {
		raw, ok := cfg.Plugins[name]
		if !ok || !raw.Enabled {
			continue
		}
		if v, ok := p.(ConfigValidator); ok {
			checks = append(checks, entry{name, v})
		}
	}
	pm.mu.Unlock()

	for _, c := range checks {
		if err := c.v.ValidateConfig(ctx, cfg.Plugins[c.name].Config); err != nil {
			return fmt.Errorf("plugin %s: %w", c.name, err)
		}
	}
	return nil
}

func (pm *Manager) Snapshot() []Status {
	var cfg *config.Config
	if pm.cfgm != nil {
		cfg = pm.cfgm.Get()
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]Status, 0, len(pm.reg))
	for name, p := range pm.reg {
		st := Status{Name: name, Running: pm.run[name]}
		if cfg != nil {
			st.Enabled = cfg.Plugins[name].Enabled
		}
		st.Ready = st.Running
		if sr, ok := p.(StateReporter); ok && st.Running {
			st.Ready = sr.Enabled()
		}
		if q, ok := pm.quarantine[name]; ok {
			st.Quarantined, st.Err = true, q.err
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// effectiveHash changes when the enable flag or the config content changes.
func effectiveHash(raw config.PluginConfigRaw) uint64 {
	h := config.CanonicalHash(raw.Config)
	if raw.Enabled {
		h ^= 0x9e3779b97f4a7c15
	}
	return h
}

// Page returns the settings form of a registered plugin.
func (pm *Manager) Page(name string) (Page, bool) {
	p, ok := pm.Lookup(name)
	if !ok {
		return Page{}, false
	}
	r, ok := p.(PageRenderer)
	if !ok {
		return Page{}, false
	}
	return r.RenderConfigPage(), true
}

// CurrentConfig returns a plugin's effective config with secrets masked.
func (pm *Manager) CurrentConfig(name string) (map[string]any, bool) {
	p, ok := pm.Lookup(name)
	if !ok {
		return nil, false
	}
	cp, ok := p.(ConfigProvider)
	if !ok {
		return nil, false
	}
	return cp.CurrentConfig(), true
}
