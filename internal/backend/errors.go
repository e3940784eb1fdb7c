package backend

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// TransportError is returned when the backend answers with a non-success status
type TransportError struct {
	Op         string
	StatusCode int
	// Detail is the backend's explanation, if it gave one
	Detail string
}

func (e *TransportError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: backend returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: backend returned status %d: %s", e.Op, e.StatusCode, e.Detail)
}

const maxDetailLength = 300

// errorDetail extracts the explanation from an error response. The backend reports errors as {"detail": "..."}, and
// request validation failures as {"detail": [{"msg": "..."}, ...]}
func errorDetail(body []byte) string {
	if gjson.ValidBytes(body) {
		detail := gjson.GetBytes(body, "detail")
		switch {
		case detail.Type == gjson.String:
			return detail.String()
		case detail.IsArray():
			var msgs []string
			for _, item := range detail.Array() {
				if msg := item.Get("msg"); msg.Exists() {
					msgs = append(msgs, msg.String())
				} else {
					msgs = append(msgs, item.Raw)
				}
			}
			return strings.Join(msgs, "; ")
		case detail.Exists():
			return detail.Raw
		}
	}

	text := strings.TrimSpace(string(body))
	if len(text) > maxDetailLength {
		text = text[:maxDetailLength] + "..."
	}
	return text
}
