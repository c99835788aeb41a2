package feishu

import (
	"sync"
	"time"

	"feishubot/internal/feishu/auth"
	"feishubot/internal/feishu/delivery"
	"feishubot/internal/feishu/transport"
	"feishubot/internal/plugin"
)

const (
	Name = "feishu"

	// ActionSendMenu asks the dispatcher to send the interactive menu.
	ActionSendMenu = "send_feishu_menu"

	prewarmTask = "prewarm"
)

// Config is the plugins.feishu.config block.
type Config struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
	// UseLongConnection selects the pooled, retrying client; nil means true.
	UseLongConnection *bool  `json:"use_long_connection,omitempty"`
	BaseURL           string `json:"base_url,omitempty"`
	TokenTTL          string `json:"token_ttl,omitempty"`
	TokenMargin       string `json:"token_margin,omitempty"`
	// Prewarm is a schedule (cron, @every, HH:MM) for refreshing the token
	// ahead of expiry. Empty disables it.
	Prewarm   string          `json:"prewarm,omitempty"`
	Transport TransportConfig `json:"transport"`
}

type TransportConfig struct {
	MaxConnections    int     `json:"max_connections,omitempty"`
	MaxRetries        int     `json:"max_retries,omitempty"`
	BackoffFactor     float64 `json:"backoff_factor,omitempty"`
	BackoffMax        string  `json:"backoff_max,omitempty"`
	RetryableStatuses []int   `json:"retryable_statuses,omitempty"`
	ConnectTimeout    string  `json:"connect_timeout,omitempty"`
	AuthTimeout       string  `json:"auth_timeout,omitempty"`
	SendTimeout       string  `json:"send_timeout,omitempty"`
	RatePerSec        int     `json:"rate_per_sec,omitempty"`
}

// settings is Config with durations parsed and defaults applied.
type settings struct {
	creds     auth.Credentials
	longConn  bool
	baseURL   string
	ttl       time.Duration
	margin    time.Duration
	prewarm   string
	transport transport.Config
}

// clientKey is everything that requires rebuilding the client stack when it changes.
type clientKey struct {
	longConn  bool
	baseURL   string
	ttl       time.Duration
	margin    time.Duration
	transport string
}

// Plugin sends the Feishu interactive menu when a send_feishu_menu action
// arrives on the bus.
type Plugin struct {
	plugin.Base

	mu       sync.RWMutex
	cfg      Config
	set      settings
	key      clientKey
	active   bool
	pool     *transport.Pool // nil when use_long_connection is off
	router   *transport.Router
	tokens   *auth.Manager
	pipeline *delivery.Pipeline
}

func New() *Plugin { return &Plugin{} }
