package card

import (
	"bytes"
	"encoding/json"
)

const (
	HeaderTemplate = "blue"

	tagPlainText = "plain_text"
	tagLarkMD    = "lark_md"
	tagAction    = "action"

	StylePrimary = "primary"
	StyleDefault = "default"
)

// Render builds the card for r: one action block per row, empty rows included.
func Render(r Request) Card {
	body := r.Body
	if body == "" {
		// The platform rejects an empty text block.
		body = " "
	}

	c := Card{
		Config: Config{WideScreenMode: true},
		Header: Header{
			Title:    Text{Tag: tagPlainText, Content: r.Title},
			Template: HeaderTemplate,
		},
		Elements: make([]Element, 0, 1+len(r.Grid)),
	}
	c.Elements = append(c.Elements, Element{
		Tag:  "div",
		Text: &Text{Tag: tagLarkMD, Content: body},
	})

	for _, row := range r.Grid {
		actions := make([]ButtonElement, 0, len(row))
		for _, b := range row {
			style := StyleDefault
			if b.Primary {
				style = StylePrimary
			}
			actions = append(actions, ButtonElement{
				Tag:   "button",
				Text:  Text{Tag: tagPlainText, Content: b.Text},
				Type:  style,
				Value: ButtonValue{Type: "callback", Data: b.Value},
			})
		}
		c.Elements = append(c.Elements, Element{Tag: tagAction, Actions: actions})
	}
	return c
}

// JSON encodes the card without HTML escaping so markdown survives verbatim.
func (c Card) JSON() ([]byte, error) {
	return encode(c)
}

// MarshalJSON always writes "actions" on an action block, as [] for an empty row.
func (e Element) MarshalJSON() ([]byte, error) {
	if e.Tag != tagAction {
		type plain Element
		return encode(plain(e))
	}
	actions := e.Actions
	if actions == nil {
		actions = []ButtonElement{}
	}
	return encode(struct {
		Tag     string          `json:"tag"`
		Actions []ButtonElement `json:"actions"`
	}{e.Tag, actions})
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
