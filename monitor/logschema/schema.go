package logschema

import (
	"fmt"
	"sort"
	"strings"
)

// Schema 定义每个日志事件所需的关键字段，便于集中校验。
type Schema struct {
	Event    string
	Required []string
}

var schemas = map[string]Schema{
	"order_event": {
		Event:    "order_event",
		Required: []string{"event", "order_id", "status", "ticker", "seq"},
	},
	"risk_event": {
		Event:    "risk_event",
		Required: []string{"event", "ticker", "reason"},
	},
	"reconcile_pass": {
		Event:    "reconcile_pass",
		Required: []string{"checked", "applied", "stale", "errors"},
	},
	"command_received": {
		Event:    "command_received",
		Required: []string{"kind", "order_id", "source"},
	},
}

// Known 返回所有事件名，便于外部生成文档。
func Known() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Required 返回事件要求的字段；未知事件返回 nil。
func Required(event string) []string {
	s, ok := schemas[event]
	if !ok {
		return nil
	}
	out := make([]string, len(s.Required))
	copy(out, s.Required)
	return out
}

// Validate 检查日志字段是否包含 schema 中要求的 key。
func Validate(event string, fields map[string]interface{}) error {
	s, ok := schemas[event]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range s.Required {
		if _, exists := fields[key]; !exists {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ","))
	}
	return nil
}
