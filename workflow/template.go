package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/c360studio/semflow/workflow/condition"
)

// placeholderRe matches ${path} and ${path:-default}.
var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.\-]*)(?::-([^}]*))?\}`)

// TemplateScope builds the variables available to payload templates.
func TemplateScope(p *Plan, event map[string]any) map[string]any {
	vars := condition.Vars(p.Results, event, p.GoalData)
	vars["plan"] = map[string]any{
		"id":         p.ID,
		"state":      p.CurrentState,
		"session_id": p.SessionID,
	}
	return vars
}

// Render substitutes placeholders throughout value. A string consisting of
// exactly one placeholder is replaced by the raw referenced value, so maps
// and numbers survive; placeholders embedded in longer strings are
// formatted.
func Render(value any, vars map[string]any) any {
	switch v := value.(type) {
	case string:
		return renderString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Render(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Render(item, vars)
		}
		return out
	}
	return value
}

// RenderMap is Render for the common payload case.
func RenderMap(m map[string]any, vars map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return Render(m, vars).(map[string]any)
}

func renderString(s string, vars map[string]any) any {
	if !strings.Contains(s, "${") {
		return s
	}
	if m := placeholderRe.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		path := s[m[2]:m[3]]
		if v, ok := condition.Lookup(vars, path); ok {
			return v
		}
		if m[4] >= 0 {
			return s[m[4]:m[5]]
		}
		return nil
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		sub := placeholderRe.FindStringSubmatch(match)
		if v, ok := condition.Lookup(vars, sub[1]); ok && v != nil {
			return fmt.Sprint(v)
		}
		return sub[2]
	})
}
