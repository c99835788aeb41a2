package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feishubot/internal/eventbus"
	"feishubot/internal/feishu"
	"feishubot/internal/feishu/auth"
	"feishubot/internal/feishu/card"
	"feishubot/internal/feishu/transport"
	logx "feishubot/pkg/logx"
)

// fakeFeishu serves the token and message endpoints.
type fakeFeishu struct {
	*httptest.Server

	tokenHits atomic.Int32
	msgHits   atomic.Int32

	tokenReply string
	msgStatus  int
	msgReply   string

	mu      sync.Mutex
	lastMsg *http.Request
	lastRaw []byte
}

func newFakeFeishu(t *testing.T) *fakeFeishu {
	t.Helper()
	f := &fakeFeishu{
		tokenReply: `{"code":0,"msg":"ok","app_access_token":"tok123","expire":7200}`,
		msgStatus:  http.StatusOK,
		msgReply:   `{"code":0,"msg":"success","data":{"message_id":"om_1"}}`,
	}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case feishu.TokenPath:
			f.tokenHits.Add(1)
			_, _ = io.WriteString(w, f.tokenReply)
		case feishu.MessagePath:
			f.msgHits.Add(1)
			raw, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.lastMsg, f.lastRaw = r, raw
			f.mu.Unlock()
			w.WriteHeader(f.msgStatus)
			_, _ = io.WriteString(w, f.msgReply)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

type harness struct {
	pipe *Pipeline
	pool *transport.Pool
	bus  eventbus.Bus
}

func newHarness(t *testing.T, f *fakeFeishu, creds auth.Credentials) harness {
	t.Helper()
	pool := transport.New(transport.Config{MaxRetries: -1, RatePerSec: -1}, logx.Nop())
	t.Cleanup(func() { _ = pool.Close() })
	client := transport.Route(pool)
	tokens := auth.New(auth.Config{BaseURL: f.URL, Credentials: creds}, client, logx.Nop())
	bus := eventbus.New()
	return harness{
		pipe: New(Config{BaseURL: f.URL}, tokens, client, logx.Nop(), bus),
		pool: pool,
		bus:  bus,
	}
}

var creds = auth.Credentials{AppID: "cli_test", AppSecret: "s3cret"}

func hiRequest() card.Request {
	return card.Request{
		ChatID: "oc_1",
		Title:  "Hi",
		Body:   "",
		Grid:   card.Grid{{card.PrimaryBtn("A", "a")}},
	}
}

func TestDeliverSuccess(t *testing.T) {
	f := newFakeFeishu(t)
	h := newHarness(t, f, creds)
	events, unsub := h.bus.Subscribe(4)
	defer unsub()

	out := h.pipe.Deliver(context.Background(), hiRequest())
	require.True(t, out.OK(), out.String())
	assert.Equal(t, "om_1", out.MessageID)
	assert.NotEmpty(t, out.UUID)

	f.mu.Lock()
	r, raw := f.lastMsg, f.lastRaw
	f.mu.Unlock()
	require.NotNil(t, r)
	assert.Equal(t, "Bearer tok123", r.Header.Get("Authorization"))
	assert.Equal(t, "chat_id", r.URL.Query().Get("receive_id_type"))

	var sent struct {
		ReceiveID string `json:"receive_id"`
		MsgType   string `json:"msg_type"`
		Content   string `json:"content"`
		UUID      string `json:"uuid"`
	}
	require.NoError(t, json.Unmarshal(raw, &sent))
	assert.Equal(t, "oc_1", sent.ReceiveID)
	assert.Equal(t, "interactive", sent.MsgType)
	assert.Equal(t, out.UUID, sent.UUID)

	var c card.Card
	require.NoError(t, json.Unmarshal([]byte(sent.Content), &c))
	assert.Equal(t, "Hi", c.Header.Title.Content)
	require.Len(t, c.Elements, 2)
	assert.Equal(t, " ", c.Elements[0].Text.Content)
	require.Len(t, c.Elements[1].Actions, 1)
	btn := c.Elements[1].Actions[0]
	assert.Equal(t, "A", btn.Text.Content)
	assert.Equal(t, "primary", btn.Type)
	assert.Equal(t, "a", btn.Value.Data)

	select {
	case ev := <-events:
		assert.Equal(t, EventDelivered, ev.Type)
		rep, ok := ev.Data.(Report)
		require.True(t, ok)
		assert.Equal(t, "oc_1", rep.ChatID)
	case <-time.After(time.Second):
		t.Fatal("no delivered event")
	}
}

func TestDeliverEmptyCredentials(t *testing.T) {
	f := newFakeFeishu(t)
	h := newHarness(t, f, auth.Credentials{})

	out := h.pipe.Deliver(context.Background(), hiRequest())
	assert.Equal(t, ConfigError, out.Kind)
	assert.Equal(t, ReasonNoCredential, out.Reason)
	assert.Equal(t, int32(0), f.tokenHits.Load())
	assert.Equal(t, int32(0), f.msgHits.Load())
}

func TestDeliverAuthFailure(t *testing.T) {
	f := newFakeFeishu(t)
	f.tokenReply = `{"code":99,"msg":"invalid app"}`
	h := newHarness(t, f, creds)
	events, unsub := h.bus.Subscribe(4)
	defer unsub()

	out := h.pipe.Deliver(context.Background(), hiRequest())
	assert.Equal(t, AuthFailure, out.Kind)
	assert.Contains(t, out.Reason, "auth failure")
	assert.Equal(t, int32(1), f.tokenHits.Load())
	assert.Equal(t, int32(0), f.msgHits.Load())

	ev := <-events
	assert.Equal(t, EventFailed, ev.Type)
}

func TestDeliverRejectedKeepsToken(t *testing.T) {
	f := newFakeFeishu(t)
	f.msgReply = `{"code":230001,"msg":"bot is not in the chat"}`
	h := newHarness(t, f, creds)

	out := h.pipe.Deliver(context.Background(), hiRequest())
	assert.Equal(t, DeliveryFailure, out.Kind)
	assert.Equal(t, 230001, out.Code)
	assert.Contains(t, out.Body, "bot is not in the chat")

	_ = h.pipe.Deliver(context.Background(), hiRequest())
	assert.Equal(t, int32(1), f.tokenHits.Load())
	assert.Equal(t, int32(2), f.msgHits.Load())
}

func TestDeliverHTTPErrorWithEnvelope(t *testing.T) {
	f := newFakeFeishu(t)
	f.msgStatus = http.StatusBadRequest
	f.msgReply = `{"code":230002,"msg":"chat not found"}`
	h := newHarness(t, f, creds)

	out := h.pipe.Deliver(context.Background(), hiRequest())
	assert.Equal(t, DeliveryFailure, out.Kind)
	assert.Equal(t, 230002, out.Code)
}

func TestDeliverTransportError(t *testing.T) {
	f := newFakeFeishu(t)
	f.msgStatus = http.StatusBadGateway
	f.msgReply = `upstream down`
	h := newHarness(t, f, creds)

	out := h.pipe.Deliver(context.Background(), hiRequest())
	assert.Equal(t, TransportError, out.Kind)
	assert.Contains(t, out.Reason, "502")
}

func TestDeliverAfterClose(t *testing.T) {
	f := newFakeFeishu(t)
	h := newHarness(t, f, creds)
	require.NoError(t, h.pool.Close())

	out := h.pipe.Deliver(context.Background(), hiRequest())
	assert.Equal(t, Closed, out.Kind)
	assert.Equal(t, int32(0), f.tokenHits.Load())
}

type panicTokens struct{}

func (panicTokens) Token(context.Context) (auth.Token, error) { panic("boom") }

func TestDeliverRecoversPanic(t *testing.T) {
	p := New(Config{}, panicTokens{}, transport.Route(nil), logx.Nop(), nil)
	out := p.Deliver(context.Background(), hiRequest())
	assert.Equal(t, TransportError, out.Kind)
	assert.Contains(t, out.Reason, "boom")
}

type churningTokens struct{}

func (churningTokens) Token(context.Context) (auth.Token, error) {
	return auth.Token{}, auth.ErrCredentialsChanged
}

func TestDeliverCredentialChurnIsConfigError(t *testing.T) {
	f := newFakeFeishu(t)
	p := New(Config{BaseURL: f.URL}, churningTokens{}, transport.Route(nil), logx.Nop(), nil)

	out := p.Deliver(context.Background(), hiRequest())
	assert.Equal(t, ConfigError, out.Kind)
	assert.Equal(t, int32(0), f.msgHits.Load())
}
