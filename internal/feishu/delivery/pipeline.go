package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"feishubot/internal/eventbus"
	"feishubot/internal/feishu"
	"feishubot/internal/feishu/auth"
	"feishubot/internal/feishu/card"
	"feishubot/internal/feishu/transport"
	logx "feishubot/pkg/logx"
)

const (
	EventDelivered = "feishu.delivered"
	EventFailed    = "feishu.failed"

	// ReasonNoCredential is the failure reason when no token could be obtained.
	ReasonNoCredential = "no credential/auth failure"

	bodyLogLimit = 500
)

// TokenSource is satisfied by *auth.Manager.
type TokenSource interface {
	Token(ctx context.Context) (auth.Token, error)
}

type Config struct {
	BaseURL     string
	SendTimeout time.Duration // per attempt, default 15s
}

// Pipeline sends one interactive card per Deliver call.
type Pipeline struct {
	cfg    Config
	tokens TokenSource
	client transport.Doer
	log    logx.Logger
	bus    eventbus.Bus

	newUUID func() string
}

func New(cfg Config, tokens TokenSource, client transport.Doer, log logx.Logger, bus eventbus.Bus) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = feishu.DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	return &Pipeline{
		cfg:     cfg,
		tokens:  tokens,
		client:  client,
		log:     log,
		bus:     bus,
		newUUID: uuid.NewString,
	}
}

type sendRequest struct {
	ReceiveID string `json:"receive_id"`
	MsgType   string `json:"msg_type"`
	Content   string `json:"content"` // card JSON, encoded as a string
	UUID      string `json:"uuid,omitempty"`
}

type sendResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		MessageID string `json:"message_id"`
	} `json:"data"`
}

// Deliver never panics past its boundary and never returns an error:
// every failure is an Outcome.
func (p *Pipeline) Deliver(ctx context.Context, req card.Request) (out Outcome) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	out.UUID = p.newUUID()
	log := p.log.With(logx.String("chat_id", req.ChatID), logx.String("uuid", out.UUID))

	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Kind: TransportError, Reason: fmt.Sprintf("panic: %v", r), UUID: out.UUID}
			log.Error("delivery panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		out.Took = time.Since(start)
		p.publish(req, out)
	}()

	tok, err := p.tokens.Token(ctx)
	if err != nil {
		out.Kind, out.Reason = tokenFailureKind(err), ReasonNoCredential
		log.Warn("message not sent: no access token",
			logx.String("kind", out.Kind.String()),
			logx.Err(err),
		)
		return out
	}

	content, err := card.Render(req).JSON()
	if err != nil {
		out.Kind, out.Reason = DeliveryFailure, "encode card: "+err.Error()
		log.Error("card encode failed", logx.Err(err))
		return out
	}
	body, err := json.Marshal(sendRequest{
		ReceiveID: req.ChatID,
		MsgType:   "interactive",
		Content:   string(content),
		UUID:      out.UUID,
	})
	if err != nil {
		out.Kind, out.Reason = DeliveryFailure, "encode request: "+err.Error()
		return out
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+tok.Value)
	resp, err := p.client.Do(ctx, transport.Request{
		Method:     http.MethodPost,
		URL:        p.cfg.BaseURL + feishu.MessagePath + "?receive_id_type=" + url.QueryEscape("chat_id"),
		Header:     hdr,
		Body:       body,
		Timeout:    p.cfg.SendTimeout,
		Idempotent: true,
	})
	if err != nil {
		return p.transportFailure(log, err, out)
	}

	var sr sendResponse
	if err := json.Unmarshal(resp.Body, &sr); err != nil {
		out.Kind = DeliveryFailure
		out.Reason = "undecodable response"
		out.Body = feishu.Truncate(string(resp.Body), bodyLogLimit)
		log.Error("message response undecodable", logx.String("body", out.Body), logx.Err(err))
		return out
	}
	out.Code = sr.Code
	if sr.Code != 0 {
		out.Kind = DeliveryFailure
		out.Reason = fmt.Sprintf("code=%d msg=%s", sr.Code, sr.Msg)
		out.Body = feishu.Truncate(string(resp.Body), bodyLogLimit)
		log.Error("message rejected",
			logx.Int("code", sr.Code),
			logx.String("body", out.Body),
		)
		return out
	}

	out.Kind = Success
	out.MessageID = sr.Data.MessageID
	log.Info("message delivered",
		logx.String("message_id", out.MessageID),
		logx.Int("attempts", resp.Attempts),
		logx.Duration("took", time.Since(start)),
	)
	return out
}

func (p *Pipeline) transportFailure(log logx.Logger, err error, out Outcome) Outcome {
	if errors.Is(err, transport.ErrClosed) {
		out.Kind, out.Reason = Closed, err.Error()
		log.Warn("message not sent: transport closed")
		return out
	}

	// A non-2xx with a code envelope is still the platform talking.
	var se *transport.StatusError
	if errors.As(err, &se) {
		if env, ok := feishu.DecodeEnvelope(se.Body); ok && env.Code != 0 {
			out.Kind = DeliveryFailure
			out.Code = env.Code
			out.Reason = fmt.Sprintf("http %d code=%d msg=%s", se.Code, env.Code, env.Msg)
			out.Body = feishu.Truncate(string(se.Body), bodyLogLimit)
			log.Error("message rejected",
				logx.Int("status", se.Code),
				logx.Int("code", env.Code),
				logx.String("body", out.Body),
			)
			return out
		}
	}

	out.Kind, out.Reason = TransportError, err.Error()
	log.Error("message send failed", logx.Err(err))
	return out
}

func tokenFailureKind(err error) Kind {
	switch {
	case errors.Is(err, feishu.ErrNotConfigured), errors.Is(err, auth.ErrCredentialsChanged):
		return ConfigError
	case feishu.IsAuthFailure(err):
		return AuthFailure
	case errors.Is(err, transport.ErrClosed):
		return Closed
	default:
		return TransportError
	}
}

func (p *Pipeline) publish(req card.Request, out Outcome) {
	if p.bus == nil {
		return
	}
	typ := EventDelivered
	if !out.OK() {
		typ = EventFailed
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: Report{ChatID: req.ChatID, Title: req.Title, Outcome: out}})
}

// Report is the Data of EventDelivered and EventFailed.
type Report struct {
	ChatID  string
	Title   string
	Outcome Outcome
}
