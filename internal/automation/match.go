package automation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// matches reports whether an event name and payload satisfy the matcher.
func (m *Matcher) matches(name string, payload map[string]interface{}) bool {
	if !m.matchesName(name) {
		return false
	}
	for _, field := range m.RequiredFields {
		if _, ok := dotLookup(payload, field); !ok {
			return false
		}
	}
	for field, pattern := range m.Filters {
		value, ok := dotLookup(payload, field)
		if !ok || !matchPattern(pattern, stringify(value)) {
			return false
		}
	}
	return true
}

// matchesName checks the event list; a trailing "*" matches by prefix.
func (m *Matcher) matchesName(name string) bool {
	for _, ev := range m.Events {
		if ev == name {
			return true
		}
		if strings.HasSuffix(ev, "*") && strings.HasPrefix(name, strings.TrimSuffix(ev, "*")) {
			return true
		}
	}
	return false
}

// matchPattern matches a filter pattern against a payload value:
// /.../ is a regex, a pattern containing "*" is a glob, anything else
// is string equality.
func matchPattern(pattern, value string) bool {
	if len(pattern) > 1 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		re, err := regexp.Compile(pattern[1 : len(pattern)-1])
		if err != nil {
			return false
		}
		return re.MatchString(value)
	}
	if strings.Contains(pattern, "*") {
		re, err := regexp.Compile("^" + globToRegexp(pattern) + "$")
		if err != nil {
			return false
		}
		return re.MatchString(value)
	}
	return pattern == value
}

func globToRegexp(glob string) string {
	var b strings.Builder
	for _, part := range strings.Split(glob, "*") {
		if b.Len() > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	if strings.HasSuffix(glob, "*") {
		b.WriteString(".*")
	}
	return b.String()
}

// payloadMap coerces an arbitrary event payload to a string-keyed map
// via its JSON form. Non-object payloads yield an empty map.
func payloadMap(payload interface{}) map[string]interface{} {
	if m, ok := payload.(map[string]interface{}); ok {
		return m
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]interface{}{}
	}
	return m
}

// dotLookup walks a dot-separated path through nested maps.
func dotLookup(m map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = m
	for _, part := range parts {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers; render integers without the decimal point.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	case nil:
		return ""
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

var templateRef = regexp.MustCompile(`\{event\.([A-Za-z0-9_.]+)\}`)

// resolveParams layers static values, fromEvent lookups, and
// {event.path} templates. Missing event fields resolve to "".
func resolveParams(mapping ParamMapping, payload map[string]interface{}) map[string]string {
	out := make(map[string]string, len(mapping.Static)+len(mapping.FromEvent)+len(mapping.Templates))
	for k, v := range mapping.Static {
		out[k] = v
	}
	for k, path := range mapping.FromEvent {
		value, ok := dotLookup(payload, path)
		if !ok {
			out[k] = ""
			continue
		}
		out[k] = stringify(value)
	}
	for k, tmpl := range mapping.Templates {
		out[k] = templateRef.ReplaceAllStringFunc(tmpl, func(ref string) string {
			path := templateRef.FindStringSubmatch(ref)[1]
			value, ok := dotLookup(payload, path)
			if !ok {
				return ""
			}
			return stringify(value)
		})
	}
	return out
}
