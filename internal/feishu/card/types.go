package card

// Button is one clickable action. Value is passed back to the platform as-is.
type Button struct {
	Text    string
	Value   string
	Primary bool
}

// Row is rendered left to right; a Grid top to bottom.
type (
	Row  []Button
	Grid []Row
)

// Request describes one notification.
type Request struct {
	ChatID string // receive_id (chat_id)
	Title  string
	Body   string // lark_md; empty renders as a single space
	Grid   Grid
}

// Card is the interactive payload. Field order is the JSON order.
type Card struct {
	Config   Config    `json:"config"`
	Header   Header    `json:"header"`
	Elements []Element `json:"elements"`
}

type Config struct {
	WideScreenMode bool `json:"wide_screen_mode"`
}

type Header struct {
	Title    Text   `json:"title"`
	Template string `json:"template"`
}

type Text struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// Element is either a div (Text set) or an action block (Actions set).
type Element struct {
	Tag     string          `json:"tag"`
	Text    *Text           `json:"text,omitempty"`
	Actions []ButtonElement `json:"actions,omitempty"`
}

type ButtonElement struct {
	Tag   string      `json:"tag"`
	Text  Text        `json:"text"`
	Type  string      `json:"type"`
	Value ButtonValue `json:"value"`
}

type ButtonValue struct {
	Type string `json:"type"`
	Data string `json:"data"`
}
