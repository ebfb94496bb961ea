package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/appscript-studio/engine/internal/errkind"
)

// bindingPattern matches {{nodes.<id>.output.<path>}} references inside
// parameter values. The path is a dot-separated chain of object keys and
// numeric array indexes.
var bindingPattern = regexp.MustCompile(`\{\{\s*nodes\.([A-Za-z0-9_-]+)\.output((?:\.[A-Za-z0-9_-]+)*)\s*\}\}`)

// Outputs maps node id to that node's decoded output document.
type Outputs map[string]any

// ResolveParams substitutes all bindings in a node's raw params against the
// outputs of already-finished nodes. A reference to a node that produced no
// output, or to a missing path, is a BadInput error: validation guarantees
// referenced nodes are upstream, so a missing value is a data problem, not a
// scheduling one.
func ResolveParams(raw json.RawMessage, outs Outputs) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errkind.Wrap(errkind.BadInput, err, "decode node params")
	}
	resolved, err := resolveValue(doc, outs)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("encode resolved params: %w", err)
	}
	return out, nil
}

func resolveValue(v any, outs Outputs) (any, error) {
	switch t := v.(type) {
	case string:
		return resolveString(t, outs)
	case map[string]any:
		for k, mv := range t {
			rv, err := resolveValue(mv, outs)
			if err != nil {
				return nil, err
			}
			t[k] = rv
		}
		return t, nil
	case []any:
		for i, ev := range t {
			rv, err := resolveValue(ev, outs)
			if err != nil {
				return nil, err
			}
			t[i] = rv
		}
		return t, nil
	default:
		return v, nil
	}
}

// resolveString handles two cases: a string that is exactly one binding keeps
// the bound value's JSON type; a string with embedded bindings renders each
// bound value as text.
func resolveString(s string, outs Outputs) (any, error) {
	m := bindingPattern.FindStringSubmatch(s)
	if m != nil && m[0] == strings.TrimSpace(s) && strings.TrimSpace(s) == s {
		return lookup(m[1], m[2], outs)
	}

	var resolveErr error
	out := bindingPattern.ReplaceAllStringFunc(s, func(match string) string {
		sm := bindingPattern.FindStringSubmatch(match)
		val, err := lookup(sm[1], sm[2], outs)
		if err != nil {
			resolveErr = err
			return match
		}
		return stringify(val)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return out, nil
}

func lookup(nodeID, dotPath string, outs Outputs) (any, error) {
	cur, ok := outs[nodeID]
	if !ok {
		return nil, errkind.New(errkind.BadInput, "binding references node %q which produced no output", nodeID)
	}
	if dotPath == "" {
		return cur, nil
	}
	for _, seg := range strings.Split(strings.TrimPrefix(dotPath, "."), ".") {
		switch c := cur.(type) {
		case map[string]any:
			cur, ok = c[seg]
			if !ok {
				return nil, errkind.New(errkind.BadInput,
					"binding path nodes.%s.output%s: missing key %q", nodeID, dotPath, seg)
			}
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, errkind.New(errkind.BadInput,
					"binding path nodes.%s.output%s: bad index %q", nodeID, dotPath, seg)
			}
			cur = c[idx]
		default:
			return nil, errkind.New(errkind.BadInput,
				"binding path nodes.%s.output%s: %q is not traversable", nodeID, dotPath, seg)
		}
	}
	return cur, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// References returns the node ids referenced by bindings anywhere in raw.
// Used at save time to check bindings point at upstream nodes.
func References(raw json.RawMessage) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range bindingPattern.FindAllStringSubmatch(string(raw), -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}
