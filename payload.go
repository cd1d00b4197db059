package xqueue

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// MatchPayload evaluates gjson path expressions against payload and reports whether every
// path resolves to a single scalar that matches one of its patterns.
//
// payload may be raw JSON ([]byte, string, json.RawMessage), an already parsed
// gjson.Result, or any value that encodes to JSON. Paths are gjson paths ("items.0.sku")
// or JSONPath with a leading "$" and dotted or bracketed segments ("$.items[0].sku",
// "$['kind']").
//
// A path that resolves to nothing is a mismatch. A path that resolves to several values,
// an object, an array or null is a broken route table and returns an ErrRouting error,
// as does a payload that is not valid JSON. Wildcards, recursive descent and first-match
// queries can select one of several candidates and are rejected the same way.
func MatchPayload(payload any, paths map[string][]string) (bool, error) {
	if len(paths) == 0 {
		return true, nil
	}
	doc, err := toDocument(payload)
	if err != nil {
		return false, err
	}
	for _, path := range slices.Sorted(maps.Keys(paths)) {
		gpath, err := normalizePath(path)
		if err != nil {
			return false, err
		}
		res := doc.Get(gpath)
		if !res.Exists() {
			return false, nil
		}
		value, err := scalar(path, res)
		if err != nil {
			return false, err
		}
		matched, err := MatchPattern(value, paths[path]...)
		if err != nil || !matched {
			return false, err
		}
	}
	return true, nil
}

func toDocument(payload any) (gjson.Result, error) {
	var raw []byte
	switch p := payload.(type) {
	case gjson.Result:
		return p, nil
	case *gjson.Result:
		if p != nil {
			return *p, nil
		}
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	case string:
		raw = []byte(p)
	case nil:
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return gjson.Result{}, routingErrorf("payload", "encode structured payload: %w", err)
		}
		raw = b
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, routingErrorf("payload", "payload is not valid JSON")
	}
	return gjson.ParseBytes(raw), nil
}

// normalizePath converts path to gjson syntax. Any construct that could pick one of
// several candidate values is an ErrInvalidPathPattern.
func normalizePath(path string) (string, error) {
	if path == "$" {
		return "@this", nil
	}
	if strings.Contains(path, "..") {
		return "", invalidPath(path, "recursive descent can select several values")
	}
	orig := path
	if strings.HasPrefix(path, "$.") || strings.HasPrefix(path, "$[") {
		path = strings.TrimPrefix(path[1:], ".")
	}

	var b strings.Builder
	for i := 0; i < len(path); i++ {
		switch ch := path[i]; ch {
		case '\\':
			b.WriteByte(ch)
			if i+1 < len(path) {
				i++
				b.WriteByte(path[i])
			}
		case '*', '?':
			return "", invalidPath(orig, "wildcard can select several values")
		case '#':
			if i+1 < len(path) && path[i+1] == '(' {
				return "", invalidPath(orig, "query can select several values")
			}
			b.WriteByte(ch)
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return "", invalidPath(orig, "unterminated bracket")
			}
			key, err := bracketKey(orig, path[i+1:i+end])
			if err != nil {
				return "", err
			}
			i += end
			if b.Len() > 0 {
				b.WriteByte('.')
			}
			b.WriteString(key)
		default:
			b.WriteByte(ch)
		}
	}
	if b.Len() == 0 {
		return "@this", nil
	}
	return b.String(), nil
}

// bracketKey translates one JSONPath bracket segment: an array index or a quoted key.
func bracketKey(path, seg string) (string, error) {
	if n := len(seg); n >= 2 && (seg[0] == '\'' || seg[0] == '"') && seg[n-1] == seg[0] {
		return escapeKey(seg[1 : n-1]), nil
	}
	if seg == "" {
		return "", invalidPath(path, "empty bracket")
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			if r == '*' {
				return "", invalidPath(path, "wildcard can select several values")
			}
			return "", invalidPath(path, "unsupported bracket expression "+strconv.Quote(seg))
		}
	}
	return seg, nil
}

func escapeKey(key string) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(key[i])
	}
	return b.String()
}

func invalidPath(path, reason string) error {
	return fmt.Errorf("%w: %q: %s", ErrInvalidPathPattern, path, reason)
}

func scalar(path string, res gjson.Result) (string, error) {
	switch {
	case res.IsArray():
		return "", fmt.Errorf("%w: %q resolved to %d values, want exactly one scalar",
			ErrInvalidPathPattern, path, len(res.Array()))
	case res.IsObject():
		return "", fmt.Errorf("%w: %q resolved to an object, want a scalar", ErrInvalidPathPattern, path)
	case res.Type == gjson.Null:
		return "", fmt.Errorf("%w: %q resolved to null, want a scalar", ErrInvalidPathPattern, path)
	}
	return res.String(), nil
}
