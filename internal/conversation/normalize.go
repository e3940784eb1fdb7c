package conversation

import (
	"encoding/json"
	"strings"
)

// Alternate key names used by the collaborators for the same fields, in order of preference
var (
	roleKeys    = []string{"role", "sender", "from"}
	contentKeys = []string{"content", "text"}
)

// Normalize converts an arbitrary value purporting to be a list of turns into canonical turns. It never fails: a value
// that is not list-shaped yields an empty slice, elements without a recognizable role become assistant turns, and
// elements without content get empty content. Normalizing an already-canonical list returns an equal list
func Normalize(v any) []Turn {
	switch list := v.(type) {
	case []Turn:
		turns := make([]Turn, 0, len(list))
		for _, t := range list {
			turns = append(turns, Turn{Role: parseRole(string(t.Role)), Content: t.Content, Origin: t.Origin})
		}
		return turns
	case []map[string]any:
		turns := make([]Turn, 0, len(list))
		for _, m := range list {
			turns = append(turns, turnFromMap(m))
		}
		return turns
	case []map[string]string:
		turns := make([]Turn, 0, len(list))
		for _, m := range list {
			turns = append(turns, turnFromMap(anyMap(m)))
		}
		return turns
	case []any:
		turns := make([]Turn, 0, len(list))
		for _, elem := range list {
			turns = append(turns, turnFromElement(elem))
		}
		return turns
	case json.RawMessage:
		return normalizeJSON(list)
	case []byte:
		return normalizeJSON(list)
	default:
		return []Turn{}
	}
}

func normalizeJSON(b []byte) []Turn {
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return []Turn{}
	}
	return Normalize(decoded)
}

func turnFromElement(elem any) Turn {
	switch e := elem.(type) {
	case map[string]any:
		return turnFromMap(e)
	case map[string]string:
		return turnFromMap(anyMap(e))
	case Turn:
		return Turn{Role: parseRole(string(e.Role)), Content: e.Content, Origin: e.Origin}
	default:
		// Not a record at all; keep the position in the history but with no content
		return Turn{Role: RoleAssistant}
	}
}

func anyMap(m map[string]string) map[string]any {
	converted := make(map[string]any, len(m))
	for k, v := range m {
		converted[k] = v
	}
	return converted
}

func turnFromMap(m map[string]any) Turn {
	t := Turn{
		Role:    parseRole(firstString(m, roleKeys)),
		Content: firstString(m, contentKeys),
	}
	if origin, ok := m["origin"].(string); ok {
		t.Origin = Origin(origin)
	}
	return t
}

// firstString returns the first of the given keys that holds a string value
func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			return s
		}
	}
	return ""
}

func parseRole(s string) Role {
	if strings.EqualFold(strings.TrimSpace(s), string(RoleUser)) {
		return RoleUser
	}
	return RoleAssistant
}
