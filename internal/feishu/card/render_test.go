package card

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderDeterministic(t *testing.T) {
	t.Parallel()
	req := Request{
		ChatID: "oc_1",
		Title:  "Hi",
		Body:   "**bold** <at id=all></at>",
		Grid:   NewGrid().Row(PrimaryBtn("A", "a"), Btn("B", "b")).Build(),
	}
	b1, err := Render(req).JSON()
	require.NoError(t, err)
	b2, err := Render(req).JSON()
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
	assert.Contains(t, string(b1), "<at id=all></at>")
}

func TestRenderEmptyBody(t *testing.T) {
	t.Parallel()
	c := Render(Request{Title: "Hi"})
	require.Len(t, c.Elements, 1)
	assert.Equal(t, "div", c.Elements[0].Tag)
	assert.Equal(t, " ", c.Elements[0].Text.Content)
	assert.Equal(t, "lark_md", c.Elements[0].Text.Tag)
}

func TestRenderButtonStyleAndOrder(t *testing.T) {
	t.Parallel()
	grid := Grid{
		{PrimaryBtn("🎬 媒体库", "media"), Btn("🔍 搜索", "search")},
		nil,
		{Btn("⚙️ 设置", "settings")},
	}
	c := Render(Request{Title: "menu", Body: "x", Grid: grid})

	require.Len(t, c.Elements, 4)
	r1 := c.Elements[1]
	assert.Equal(t, "action", r1.Tag)
	require.Len(t, r1.Actions, 2)
	assert.Equal(t, "primary", r1.Actions[0].Type)
	assert.Equal(t, "media", r1.Actions[0].Value.Data)
	assert.Equal(t, "default", r1.Actions[1].Type)
	assert.Equal(t, "search", r1.Actions[1].Value.Data)

	assert.Equal(t, "action", c.Elements[2].Tag)
	assert.Empty(t, c.Elements[2].Actions)

	r2 := c.Elements[3]
	require.Len(t, r2.Actions, 1)
	assert.Equal(t, "⚙️ 设置", r2.Actions[0].Text.Content)
	assert.Equal(t, "default", r2.Actions[0].Type)
}

func TestRenderWireShape(t *testing.T) {
	t.Parallel()
	b, err := Render(Request{Title: "Hi", Grid: Grid{{PrimaryBtn("A", "a")}}}).JSON()
	require.NoError(t, err)

	want := `{"config":{"wide_screen_mode":true},` +
		`"header":{"title":{"tag":"plain_text","content":"Hi"},"template":"blue"},` +
		`"elements":[{"tag":"div","text":{"tag":"lark_md","content":" "}},` +
		`{"tag":"action","actions":[{"tag":"button","text":{"tag":"plain_text","content":"A"},"type":"primary","value":{"type":"callback","data":"a"}}]}]}`
	assert.Equal(t, want, string(b))

	var generic map[string]any
	require.NoError(t, json.Unmarshal(b, &generic))
}

func TestRenderEmptyRowKeepsActionBlock(t *testing.T) {
	t.Parallel()
	b, err := Render(Request{Title: "Hi", Body: "<b>x</b>", Grid: Grid{{}, nil}}).JSON()
	require.NoError(t, err)

	assert.Contains(t, string(b), `"elements":[{"tag":"div","text":{"tag":"lark_md","content":"<b>x</b>"}},`+
		`{"tag":"action","actions":[]},{"tag":"action","actions":[]}]`)
}

func TestGridBuilderSkipsBlank(t *testing.T) {
	t.Parallel()
	g := NewGrid().Row(Btn("", "x")).Row(Btn("ok", "ok"), Btn("  ", "y"))
	grid := g.Build()
	require.Len(t, grid, 1)
	assert.Equal(t, Row{Btn("ok", "ok")}, grid[0])

	g.Row(Btn("more", "more"))
	assert.Len(t, grid, 1, "Build returns a snapshot")
	assert.Len(t, g.Build(), 2)
}
