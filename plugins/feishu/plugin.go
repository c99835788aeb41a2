package feishu

import (
	"context"
	"encoding/json"
	"time"

	"feishubot/internal/eventbus"
	"feishubot/internal/feishu/auth"
	"feishubot/internal/feishu/delivery"
	"feishubot/internal/feishu/transport"
	"feishubot/internal/plugin"
	"feishubot/internal/runtime/supervisor"
	logx "feishubot/pkg/logx"
)

func (p *Plugin) Name() string { return Name }

// Init wires dependencies only; nothing touches the network until a command fires.
func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)

	if p.Deps.Bus != nil {
		events, unsub := p.Deps.Bus.Subscribe(16, eventbus.PluginAction)
		context.AfterFunc(p.Runner.Context(), unsub)
		// A panicking dispatch restarts on the same subscription.
		p.Runner.GoRestart("dispatcher", func(ctx context.Context) error {
			return p.dispatch(ctx, events)
		}, supervisor.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	} else {
		p.Log.Warn("event bus not available; commands will not be dispatched")
	}

	p.mu.Lock()
	p.active = true
	ready := !p.set.creds.Empty()
	appID := p.set.creds.Masked()
	pooled := p.router != nil && p.router.Pooled()
	p.mu.Unlock()

	if ready {
		p.Log.Info("feishu enabled", logx.String("app_id", appID), logx.Bool("pooled", pooled))
	} else {
		p.Log.Warn("feishu started without app_id/app_secret; deliveries will fail until configured")
	}
	return nil
}

// Stop ends the dispatcher, closes the pool and drops the in-memory token.
func (p *Plugin) Stop(ctx context.Context) error {
	p.Unschedule(prewarmTask)
	err := p.StopBase(ctx)

	p.mu.Lock()
	p.active = false
	pool, tokens := p.pool, p.tokens
	p.mu.Unlock()

	if pool != nil {
		if cerr := pool.Close(); cerr != nil {
			p.Log.Warn("transport pool close failed", logx.Err(cerr))
		}
	}
	if tokens != nil {
		tokens.Reset()
	}
	p.Log.Info("feishu disabled")
	return err
}

func (p *Plugin) Commands() []plugin.Command {
	return []plugin.Command{
		{
			Route:       "/feishu",
			Event:       eventbus.PluginAction,
			Description: "发送飞书交互菜单",
			Category:    "通知",
			Data:        map[string]any{"action": ActionSendMenu},
		},
	}
}

// OnConfigChange applies a new config block. Credential changes invalidate
// the cached token; transport or endpoint changes rebuild the client stack.
func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	c, s, err := parseConfig(raw)
	if err != nil {
		return err
	}

	p.mu.Lock()
	wasReady := p.active && !p.set.creds.Empty()
	rebuild := p.tokens == nil || p.key != s.key() || (p.pool != nil && p.pool.Closed())
	var (
		oldPool   *transport.Pool
		oldTokens *auth.Manager
	)
	if rebuild {
		oldPool = p.pool
		if p.tokens != nil && p.set.creds != s.creds {
			oldTokens = p.tokens
		}
		p.buildLocked(s)
	}
	p.cfg, p.set, p.key = c, s, s.key()
	tokens := p.tokens
	nowReady := p.active && !s.creds.Empty()
	p.mu.Unlock()

	if oldPool != nil {
		_ = oldPool.Close()
	}
	if oldTokens != nil {
		// Drops the token persisted for the previous credentials.
		oldTokens.Invalidate()
		p.Log.Info("feishu credentials changed; cached token invalidated", logx.String("app_id", s.creds.Masked()))
	}
	if rebuild {
		tokens.Restore(ctx)
	} else if tokens.SetCredentials(s.creds) {
		p.Log.Info("feishu credentials changed; cached token invalidated", logx.String("app_id", s.creds.Masked()))
	}

	switch {
	case !wasReady && nowReady:
		p.Log.Info("feishu enabled", logx.String("app_id", s.creds.Masked()))
	case wasReady && !nowReady:
		p.Log.Info("feishu disabled: credentials removed")
	}

	p.schedulePrewarm(s)
	return nil
}

func (p *Plugin) buildLocked(s settings) {
	log := p.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if s.longConn {
		p.pool = transport.New(s.transport, log)
	} else {
		p.pool = nil
	}
	p.router = transport.Route(p.pool)

	var opts []auth.Option
	if p.Deps.Store != nil {
		opts = append(opts, auth.WithStore(p.Deps.Store))
	}
	p.tokens = auth.New(auth.Config{
		BaseURL:     s.baseURL,
		Credentials: s.creds,
		TTL:         s.ttl,
		Margin:      s.margin,
		Timeout:     s.transport.AuthTimeout,
	}, p.router, log.With(logx.String("comp", "auth")), opts...)
	p.pipeline = delivery.New(delivery.Config{
		BaseURL:     s.baseURL,
		SendTimeout: s.transport.SendTimeout,
	}, p.tokens, p.router, log.With(logx.String("comp", "delivery")), p.Deps.Bus)

	log.Debug("feishu client rebuilt", logx.Bool("pooled", s.longConn), logx.String("base_url", s.baseURL))
}

func (p *Plugin) schedulePrewarm(s settings) {
	if s.prewarm == "" || p.Deps.Scheduler == nil {
		p.Unschedule(prewarmTask)
		return
	}
	err := p.Schedule(prewarmTask, s.prewarm, 30*time.Second, func(ctx context.Context) error {
		if !p.Enabled() {
			return nil
		}
		p.mu.RLock()
		tokens := p.tokens
		p.mu.RUnlock()
		return tokens.Prewarm(ctx)
	})
	if err != nil {
		p.Log.Warn("token prewarm not scheduled", logx.String("spec", s.prewarm), logx.Err(err))
	}
}

func (p *Plugin) current() (*delivery.Pipeline, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pipeline, p.active
}
