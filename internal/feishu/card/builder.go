package card

import "strings"

// GridBuilder assembles a button grid row by row.
//
//	g := card.NewGrid().
//		Row(card.PrimaryBtn("🎬 媒体库", "media"), card.Btn("🔍 搜索", "search")).
//		Row(card.Btn("⚙️ 设置", "settings")).
//		Build()
type GridBuilder struct {
	rows Grid
}

func NewGrid() *GridBuilder { return &GridBuilder{} }

// Row appends a row; buttons with an empty label are dropped, and a row left
// empty is not added.
func (g *GridBuilder) Row(btns ...Button) *GridBuilder {
	row := make(Row, 0, len(btns))
	for _, b := range btns {
		if strings.TrimSpace(b.Text) == "" {
			continue
		}
		row = append(row, b)
	}
	if len(row) > 0 {
		g.rows = append(g.rows, row)
	}
	return g
}

// Build returns a copy, so the builder can keep growing.
func (g *GridBuilder) Build() Grid {
	out := make(Grid, len(g.rows))
	for i, r := range g.rows {
		out[i] = append(Row(nil), r...)
	}
	return out
}

func Btn(text, value string) Button { return Button{Text: text, Value: value} }

func PrimaryBtn(text, value string) Button { return Button{Text: text, Value: value, Primary: true} }
