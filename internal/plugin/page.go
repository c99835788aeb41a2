package plugin

// FieldKind is the widget a settings field renders as.
type FieldKind string

const (
	FieldSwitch FieldKind = "switch"
	FieldInput  FieldKind = "input"
)

// Field is one settings control bound to a config key.
type Field struct {
	Kind        FieldKind `json:"kind"`
	Key         string    `json:"key"`
	Label       string    `json:"label"`
	Placeholder string    `json:"placeholder,omitempty"`
	Secret      bool      `json:"secret,omitempty"`
	Hint        string    `json:"hint,omitempty"`
}

// Page is a settings form plus the values it opens with.
type Page struct {
	Rows     [][]Field      `json:"rows"`
	Defaults map[string]any `json:"defaults"`
}
