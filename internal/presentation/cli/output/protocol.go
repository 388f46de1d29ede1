package output

import (
	"bytes"
	"encoding/json"
)

// wireMessage is any line the gateway sends: a response or a notification.
type wireMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
		Kind    string `json:"kind"`
	} `json:"error"`
}

// Message prints one line received from the gateway. In JSON mode the line
// is echoed unchanged; otherwise responses and notifications are labelled
// and pretty-printed. Lines that are not JSON are printed as a warning.
func (f *Formatter) Message(line []byte) error {
	line = bytes.TrimSpace(line)
	if f.Format() == FormatJSON {
		return f.Println("%s", line)
	}

	var m wireMessage
	if err := json.Unmarshal(line, &m); err != nil {
		return f.Warning("unparseable line: %s", line)
	}

	switch {
	case m.Error != nil:
		return f.Error("[%s] %s (%s)", m.ID, m.Error.Message, m.Error.Kind)
	case m.Method != "" && m.ID == nil:
		return f.Println("%s %s", f.Colorize("« "+m.Method, ColorCyan), f.Dim(indentJSON(m.Params)))
	default:
		return f.Println("%s %s", f.Colorize("["+string(m.ID)+"]", ColorGreen), indentJSON(m.Result))
	}
}

func indentJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
