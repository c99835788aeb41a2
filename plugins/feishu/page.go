package feishu

import "feishubot/internal/plugin"

func (p *Plugin) RenderConfigPage() plugin.Page {
	return plugin.Page{
		Rows: [][]plugin.Field{
			{
				{Kind: plugin.FieldSwitch, Key: "enabled", Label: "启用插件"},
				{Kind: plugin.FieldSwitch, Key: "use_long_connection", Label: "使用长连接", Hint: "关闭后每次请求单独建立连接，不重试"},
			},
			{
				{Kind: plugin.FieldInput, Key: "app_id", Label: "App ID", Placeholder: "cli_xxxxxxxxxxxxxxxx"},
				{Kind: plugin.FieldInput, Key: "app_secret", Label: "App Secret", Secret: true},
			},
		},
		Defaults: map[string]any{
			"enabled":             false,
			"app_id":              "",
			"app_secret":          "",
			"use_long_connection": true,
		},
	}
}
