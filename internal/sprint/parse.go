package sprint

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	taskListKeys    = []string{"tasks", "current_tasks"}
	descriptionKeys = []string{"description", "descricao", "title"}
)

// ParseReplanResult reads a replanner's answer: either a JSON object with a "tasks" list, a bare JSON list of tasks,
// or prose with such JSON embedded in it (for example in a code fence). A missing or null task list is reported as
// absent; an empty list is present
func ParseReplanResult(body []byte) ReplanResult {
	res, ok := findJSON(body)
	if !ok {
		return ReplanResult{}
	}

	list := res
	if res.IsObject() {
		list = gjson.Result{}
		for _, k := range taskListKeys {
			if v := res.Get(k); v.Exists() && v.Type != gjson.Null {
				list = v
				break
			}
		}
	}
	if !list.IsArray() {
		return ReplanResult{}
	}

	items := list.Array()
	tasks := make([]Task, 0, len(items))
	for _, item := range items {
		if !item.IsObject() {
			continue
		}
		tasks = append(tasks, Task{
			ID:          item.Get("id").String(),
			Description: firstString(item, descriptionKeys),
			StoryID:     item.Get("us_id").String(),
			StoryTitle:  item.Get("us_title").String(),
			Estimate:    parseEstimate(item.Get("estimate")),
		})
	}
	return ReplanResult{Tasks: tasks, Present: true}
}

// findJSON parses body as JSON, or failing that, the outermost {...} or [...] span inside it
func findJSON(body []byte) (gjson.Result, bool) {
	if gjson.ValidBytes(body) {
		return gjson.ParseBytes(body), true
	}
	text := string(body)
	for _, delims := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(text, delims[0])
		end := strings.LastIndex(text, delims[1])
		if start < 0 || end <= start {
			continue
		}
		if candidate := text[start : end+1]; gjson.Valid(candidate) {
			return gjson.Parse(candidate), true
		}
	}
	return gjson.Result{}, false
}

func firstString(obj gjson.Result, keys []string) string {
	for _, k := range keys {
		if v := obj.Get(k); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return v.Str
		}
	}
	return ""
}

// parseEstimate accepts estimates given as numbers or numeric strings
func parseEstimate(v gjson.Result) int {
	switch v.Type {
	case gjson.Number:
		return int(v.Num)
	case gjson.String:
		if n, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil {
			return int(n)
		}
	}
	return 0
}
