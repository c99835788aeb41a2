package feishu

import (
	"context"
	"fmt"
	"strings"

	"feishubot/internal/eventbus"
	"feishubot/internal/feishu/card"
	logx "feishubot/pkg/logx"
)

// MenuRequest is the interactive menu sent for ActionSendMenu.
func MenuRequest(chatID string) card.Request {
	return card.Request{
		ChatID: chatID,
		Title:  "🤖 MoviePilot 飞书助手",
		Body:   "点击下方按钮开始操作：",
		Grid: card.NewGrid().
			Row(card.PrimaryBtn("🎬 媒体库", "media"), card.Btn("🔍 搜索", "search")).
			Row(card.Btn("⚙️ 设置", "settings")).
			Build(),
	}
}

// dispatch handles actions one at a time until ctx ends or the subscription closes.
func (p *Plugin) dispatch(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handle(ctx, ev)
		}
	}
}

func (p *Plugin) handle(ctx context.Context, ev eventbus.Event) {
	data := eventFields(ev.Data)
	if data == nil {
		p.Log.Debug("action event without data", logx.String("type", ev.Type))
		return
	}
	if action := field(data, "action"); action != ActionSendMenu {
		return
	}
	target := field(data, "channel")
	if target == "" {
		target = field(data, "user")
	}
	if target == "" {
		p.Log.Warn("send_feishu_menu without channel or user; ignored")
		return
	}

	pipe, active := p.current()
	if pipe == nil || !active {
		p.Log.Warn("feishu not ready; menu dropped", logx.String("chat_id", target))
		return
	}

	out := pipe.Deliver(ctx, MenuRequest(target))
	if !out.OK() {
		// Not retried; the pipeline already logged the details.
		p.Log.Warn("menu delivery failed", logx.String("chat_id", target), logx.String("outcome", out.String()))
		return
	}
	p.Log.Info("menu delivered", logx.String("chat_id", target), logx.String("message_id", out.MessageID))
}

func eventFields(v any) map[string]any {
	switch d := v.(type) {
	case map[string]any:
		return d
	case map[string]string:
		out := make(map[string]any, len(d))
		for k, s := range d {
			out[k] = s
		}
		return out
	}
	return nil
}

func field(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
