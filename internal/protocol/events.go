package protocol

import (
	"encoding/json"

	"github.com/haochend/uma-serve/pkg/types"
)

// Event builders append a complete framed event to tx and return the
// extended buffer. Marshal of these fixed shapes cannot fail, so the
// errors are discarded.

// AppendTokenEvent frames one token event.
func AppendTokenEvent(tx []byte, id, text string, tokenID int) []byte {
	b, _ := json.Marshal(types.TokenEvent{ID: id, Event: types.EventToken, Text: text, TokenID: tokenID})
	return WriteFrame(tx, b)
}

// AppendEOSEvent frames the end-of-stream event.
func AppendEOSEvent(tx []byte, id, reason string) []byte {
	b, _ := json.Marshal(types.EOSEvent{ID: id, Event: types.EventEOS, Reason: reason})
	return WriteFrame(tx, b)
}

// AppendErrorEvent frames a terminal error event.
func AppendErrorEvent(tx []byte, id, code, message string) []byte {
	b, _ := json.Marshal(types.ErrorEvent{ID: id, Event: types.EventError, Code: code, Message: message})
	return WriteFrame(tx, b)
}

// AppendMetricsEvent frames a metrics snapshot object.
func AppendMetricsEvent(tx []byte, snap types.MetricsSnapshot) []byte {
	b, _ := json.Marshal(snap)
	return WriteFrame(tx, b)
}

// JSONEscape escapes s for embedding in a JSON string literal: quote,
// backslash, and control bytes (\n, \r, \t shortcuts, \u00XX otherwise).
func JSONEscape(s string) string {
	out := make([]byte, 0, len(s)+8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			out = append(out, '\\', '"')
		case '\\':
			out = append(out, '\\', '\\')
		case '\n':
			out = append(out, '\\', 'n')
		case '\r':
			out = append(out, '\\', 'r')
		case '\t':
			out = append(out, '\\', 't')
		default:
			if c < 0x20 {
				const hex = "0123456789abcdef"
				out = append(out, '\\', 'u', '0', '0', hex[c>>4], hex[c&0xf])
			} else {
				out = append(out, c)
			}
		}
	}
	return string(out)
}
