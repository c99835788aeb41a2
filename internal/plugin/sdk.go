package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"feishubot/internal/config"
	"feishubot/internal/eventbus"
	"feishubot/internal/runtime/supervisor"
	"feishubot/internal/scheduler"
	"feishubot/internal/storage"
	logx "feishubot/pkg/logx"
)

// Reporter is the logging capability plugins report through. logx.Logger satisfies it.
type Reporter interface {
	Info(msg string, fields ...logx.Field)
	Warn(msg string, fields ...logx.Field)
	Error(msg string, fields ...logx.Field)
}

type Plugin interface {
	Name() string
	// Init wires dependencies. It must not touch the network.
	Init(ctx context.Context, deps Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Commands() []Command
}

// Configurable plugins receive their raw config block before Start and on every change.
type Configurable interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// ConfigValidator rejects a config before it is committed.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, raw json.RawMessage) error
}

// ConfigProvider exposes the effective config (secrets masked).
type ConfigProvider interface {
	CurrentConfig() map[string]any
}

// PageRenderer describes the plugin's settings form.
type PageRenderer interface {
	RenderConfigPage() Page
}

// StateReporter reports whether the plugin can do its job with the current config.
type StateReporter interface {
	Enabled() bool
}

type Deps struct {
	Logger    logx.Logger
	Config    *config.Manager
	Bus       eventbus.Bus
	Store     storage.Store // nil when storage is disabled
	Scheduler *scheduler.Service
}

// Base is embedded by plugins for the common lifecycle chores:
//
//	type Plugin struct{ plugin.Base }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error { p.InitBase(deps, p.Name()); return nil }
//	func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); p.Runner.Go(...); return nil }
//	func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }
type Base struct {
	Log    logx.Logger
	Deps   Deps
	Runner *supervisor.Supervisor

	name string
	ctx  context.Context
}

func (b *Base) InitBase(deps Deps, name string) {
	b.Deps = deps
	b.name = name
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	b.Log = log.With(logx.String("plugin", name))
}

// StartBase creates the per-plugin supervisor tied to ctx.
func (b *Base) StartBase(ctx context.Context) {
	b.ctx = ctx
	b.Runner = supervisor.New(ctx, supervisor.WithLogger(b.Log))
}

// StopBase cancels the runner and waits, bounded by ctx.
func (b *Base) StopBase(ctx context.Context) error {
	if b.Runner == nil {
		return nil
	}
	r := b.Runner
	b.Runner = nil
	return r.Stop(ctx)
}

// Context is the plugin run context, canceled on stop or disable.
func (b *Base) Context() context.Context {
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

// Schedule registers a job under "<plugin>:<name>".
func (b *Base) Schedule(name, spec string, timeout time.Duration, job scheduler.Job) error {
	if b.Deps.Scheduler == nil {
		return errors.New("scheduler not available")
	}
	return b.Deps.Scheduler.AddOrUpdate(b.ns(name), spec, timeout, job)
}

func (b *Base) Unschedule(name string) {
	if b.Deps.Scheduler != nil {
		b.Deps.Scheduler.Remove(b.ns(name))
	}
}

func (b *Base) ns(name string) string {
	if name == "" {
		return b.name
	}
	return b.name + ":" + name
}

// PublishEvent is non-blocking; a nil bus is a no-op.
func (b *Base) PublishEvent(typ string, data any) {
	if b.Deps.Bus == nil {
		return
	}
	b.Deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// DecodeConfig strictly decodes a plugin config block; empty yields the zero value.
func DecodeConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
