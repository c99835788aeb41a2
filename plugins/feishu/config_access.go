package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"feishubot/internal/config"
	feishuapi "feishubot/internal/feishu"
	"feishubot/internal/feishu/auth"
	"feishubot/internal/feishu/transport"
	"feishubot/internal/plugin"
	"feishubot/internal/scheduler"
	logx "feishubot/pkg/logx"
)

func parseConfig(raw json.RawMessage) (Config, settings, error) {
	c, err := plugin.DecodeConfig[Config](raw)
	if err != nil {
		return c, settings{}, fmt.Errorf("unmarshal config: %w", err)
	}
	s := settings{
		creds: auth.Credentials{
			AppID:     strings.TrimSpace(c.AppID),
			AppSecret: strings.TrimSpace(c.AppSecret),
		},
		longConn: c.UseLongConnection == nil || *c.UseLongConnection,
		baseURL:  strings.TrimRight(strings.TrimSpace(c.BaseURL), "/"),
		prewarm:  strings.TrimSpace(c.Prewarm),
	}
	if s.baseURL == "" {
		s.baseURL = feishuapi.DefaultBaseURL
	}
	if s.ttl, err = config.ParseDurationOrDefault("feishu.token_ttl", c.TokenTTL, auth.DefaultTTL); err != nil {
		return c, s, err
	}
	if s.margin, err = config.ParseDurationField("feishu.token_margin", c.TokenMargin); err != nil {
		return c, s, err
	}
	if s.margin >= s.ttl {
		return c, s, fmt.Errorf("feishu.token_margin (%s) must be below token_ttl (%s)", s.margin, s.ttl)
	}
	if s.prewarm != "" {
		if _, err := scheduler.ParseSchedule(s.prewarm); err != nil {
			return c, s, fmt.Errorf("feishu.prewarm: %w", err)
		}
	}

	t := c.Transport
	tc := transport.Config{
		MaxConnections:    t.MaxConnections,
		MaxRetries:        t.MaxRetries,
		BackoffFactor:     t.BackoffFactor,
		RetryableStatuses: t.RetryableStatuses,
		RatePerSec:        t.RatePerSec,
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"backoff_max", t.BackoffMax, &tc.BackoffMax},
		{"connect_timeout", t.ConnectTimeout, &tc.ConnectTimeout},
		{"auth_timeout", t.AuthTimeout, &tc.AuthTimeout},
		{"send_timeout", t.SendTimeout, &tc.SendTimeout},
	}
	for _, d := range durations {
		v, err := config.ParseDurationField("feishu.transport."+d.key, d.raw)
		if err != nil {
			return c, s, err
		}
		*d.dst = v
	}
	for _, code := range tc.RetryableStatuses {
		if code < 100 || code > 599 {
			return c, s, fmt.Errorf("feishu.transport.retryable_statuses: invalid status %d", code)
		}
	}
	s.transport = transport.Normalize(tc)
	return c, s, nil
}

func (s settings) key() clientKey {
	return clientKey{
		longConn:  s.longConn,
		baseURL:   s.baseURL,
		ttl:       s.ttl,
		margin:    s.margin,
		transport: fmt.Sprintf("%+v", s.transport),
	}
}

// ValidateConfig rejects a config block before it is committed.
func (p *Plugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	_, _, err := parseConfig(raw)
	return err
}

// Enabled reports whether the plugin is running with usable credentials.
// The host only starts the plugin while plugins.feishu.enabled is set.
func (p *Plugin) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active && !p.set.creds.Empty()
}

// CurrentConfig returns the effective config; the secret is never included.
func (p *Plugin) CurrentConfig() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.set
	return map[string]any{
		"enabled":             p.active,
		"app_id":              logx.Mask(s.creds.AppID, 10),
		"app_secret_set":      s.creds.AppSecret != "",
		"use_long_connection": s.longConn,
		"base_url":            s.baseURL,
		"token_ttl":           s.ttl.String(),
		"token_margin":        s.margin.String(),
		"prewarm":             s.prewarm,
		"transport": map[string]any{
			"max_connections":    s.transport.MaxConnections,
			"max_retries":        s.transport.MaxRetries,
			"backoff_factor":     s.transport.BackoffFactor,
			"backoff_max":        s.transport.BackoffMax.String(),
			"retryable_statuses": s.transport.RetryableStatuses,
			"connect_timeout":    s.transport.ConnectTimeout.String(),
			"auth_timeout":       s.transport.AuthTimeout.String(),
			"send_timeout":       s.transport.SendTimeout.String(),
			"rate_per_sec":       s.transport.RatePerSec,
		},
	}
}
