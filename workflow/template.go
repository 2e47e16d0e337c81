package workflow

import (
	"strings"
	"time"
	"unicode"
)

// TemplateContext carries the context keys available to template resolution
// beyond step outputs.
type TemplateContext struct {
	ThreadID  string
	ProjectID string

	// StepStatus lets templates reference {id.status}. Nil disables
	// status references (they stay literal).
	StepStatus map[string]StepStatus

	// Now overrides the {timestamp} value for deterministic tests.
	// Zero means time.Now().
	Now time.Time
}

// ResolveTemplate substitutes template variables in s.
//
// Recognized forms: {id}, {id.output}, {id.response}, {id.status}, plus the
// context keys {threadId}, {projectId}, and {timestamp}. Resolution is a
// single left-to-right pass; substituted text is never re-scanned, so the
// operation is idempotent. Unknown references stay literal. A known step
// whose output is empty (including skipped steps) resolves to the empty
// string.
//
// Pure function of its inputs; no I/O.
func ResolveTemplate(s string, outputs map[string]string, tc TemplateContext) string {
	if !strings.Contains(s, "{") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		open := strings.IndexByte(s[i:], '{')
		if open < 0 {
			b.WriteString(s[i:])
			break
		}
		open += i
		b.WriteString(s[i:open])

		close := strings.IndexByte(s[open:], '}')
		if close < 0 {
			b.WriteString(s[open:])
			break
		}
		close += open

		ref := s[open+1 : close]
		if val, ok := resolveRef(ref, outputs, tc); ok {
			b.WriteString(val)
		} else {
			b.WriteString(s[open : close+1])
		}
		i = close + 1
	}
	return b.String()
}

// resolveRef resolves a single {ref} body. The boolean reports whether the
// reference was recognized; unrecognized references remain literal.
func resolveRef(ref string, outputs map[string]string, tc TemplateContext) (string, bool) {
	switch ref {
	case "threadId":
		return tc.ThreadID, true
	case "projectId":
		return tc.ProjectID, true
	case "timestamp":
		now := tc.Now
		if now.IsZero() {
			now = time.Now().UTC()
		}
		return now.Format(time.RFC3339), true
	}

	if !validRef(ref) {
		return "", false
	}

	id, field := ref, "output"
	if dot := strings.IndexByte(ref, '.'); dot >= 0 {
		id, field = ref[:dot], ref[dot+1:]
	}

	switch field {
	case "output", "response":
		out, ok := outputs[id]
		if ok {
			return out, true
		}
		// A step that exists but has produced nothing (skipped or not
		// yet run) resolves to empty only when the status map knows it.
		if tc.StepStatus != nil {
			if _, known := tc.StepStatus[id]; known {
				return "", true
			}
		}
		return "", false
	case "status":
		if tc.StepStatus == nil {
			return "", false
		}
		status, ok := tc.StepStatus[id]
		if !ok {
			return "", false
		}
		return string(status), true
	default:
		return "", false
	}
}

// validRef limits references to identifier-ish tokens with at most one dot.
// Anything else (JSON fragments, prose in braces) stays literal.
func validRef(ref string) bool {
	if ref == "" {
		return false
	}
	dots := 0
	for _, r := range ref {
		switch {
		case r == '.':
			dots++
			if dots > 1 {
				return false
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
