// Package redact masks secret values out of step output before it leaves
// the process or is written to the State Store.
package redact

import (
	"regexp"
	"strings"
)

// ReplacementToken is what a masked secret is replaced with.
const ReplacementToken = "***REDACTED***"

// sensitiveKeyTerms flags a map key as holding a secret regardless of the
// value's own length or shape.
var sensitiveKeyTerms = []string{
	"api_key", "apikey", "token", "secret", "password", "passwd", "pwd",
	"auth", "credential", "access_key", "private_key",
}

// minValueLen is the shortest value considered worth masking on its own
// merits (independent of its key).
const minValueLen = 3

// shortValueBoundary is the length under which a masked value gets \b word
// boundaries in its compiled pattern, so a short secret like "abc" doesn't
// also blank out "abcdef".
const shortValueBoundary = 5

// Redactor masks a fixed set of known secret values out of arbitrary text.
// Unlike a pattern-based redactor that matches known secret *shapes*, this
// matches known secret *values* — every literal occurrence of a value the
// workflow holds as a secret gets masked, wherever it appears.
type Redactor struct {
	values   []string // kept for determinism/testing; compiled below
	compiled *regexp.Regexp
}

// NewRedactor builds a Redactor from a secrets map (keys matching a
// sensitive term, or values at least minValueLen long, are masked) plus an
// optional list of additional values to force-mask regardless of key name.
func NewRedactor(secrets map[string]string, forcedSecrets []string) *Redactor {
	seen := make(map[string]bool)
	var values []string

	addValue := func(v string) {
		if v == "" || seen[v] {
			return
		}
		seen[v] = true
		values = append(values, v)
	}

	for key, val := range secrets {
		if val == "" {
			continue
		}
		if isSensitiveKey(key) || len(val) >= minValueLen {
			addValue(val)
		}
	}
	for _, v := range forcedSecrets {
		addValue(v)
	}

	return &Redactor{values: values, compiled: compilePattern(values)}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, term := range sensitiveKeyTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// compilePattern builds one alternation regexp over every value, longest
// first so a longer secret that contains a shorter one is matched whole.
func compilePattern(values []string) *regexp.Regexp {
	if len(values) == 0 {
		return nil
	}

	sorted := make([]string, len(values))
	copy(sorted, values)
	for i := 1; i < len(sorted); i++ {
		v := sorted[i]
		j := i - 1
		for j >= 0 && len(sorted[j]) < len(v) {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = v
	}

	parts := make([]string, len(sorted))
	for i, v := range sorted {
		esc := regexp.QuoteMeta(v)
		if len(v) < shortValueBoundary {
			esc = `\b` + esc + `\b`
		}
		parts[i] = esc
	}
	return regexp.MustCompile(strings.Join(parts, "|"))
}

// LongestSecretLen returns the byte length of the longest known secret
// value, or 0 if there are none. Callers streaming output use this to size
// a retained tail so a secret never straddles two chunks.
func (r *Redactor) LongestSecretLen() int {
	max := 0
	for _, v := range r.values {
		if len(v) > max {
			max = len(v)
		}
	}
	return max
}

// Redact masks every known secret value found in text. It is idempotent:
// redacting already-redacted text is a no-op, since the replacement token
// itself never matches a secret value.
func (r *Redactor) Redact(text string) string {
	if r.compiled == nil || text == "" {
		return text
	}
	return r.compiled.ReplaceAllString(text, ReplacementToken)
}

// redactUpTo masks every complete secret match that ends at or before
// settled, and returns that masked prefix alongside the unredacted
// remainder (from settled onward, plus any match that was already under
// way when it crossed settled — left whole so a future call can rescan it
// once more bytes of a possibly-still-arriving secret are available).
func (r *Redactor) redactUpTo(combined string, settled int) (flushed, tail string) {
	if settled <= 0 {
		return "", combined
	}
	if settled >= len(combined) {
		return r.Redact(combined), ""
	}
	if r.compiled == nil {
		return combined[:settled], combined[settled:]
	}

	matches := r.compiled.FindAllStringIndex(combined, -1)
	var out strings.Builder
	cursor := 0
	cut := settled
	for _, m := range matches {
		start, end := m[0], m[1]
		if end > settled {
			// This match (and anything after it) isn't fully settled yet;
			// stop here and don't advance cut past its start, so its bytes
			// stay in the unredacted tail for the next round.
			if start < cut {
				cut = start
			}
			break
		}
		out.WriteString(combined[cursor:start])
		out.WriteString(ReplacementToken)
		cursor = end
	}
	out.WriteString(combined[cursor:cut])
	return out.String(), combined[cut:]
}

// RedactValue recurses through maps, slices, and strings masking any
// secret values found; other types pass through unchanged.
func (r *Redactor) RedactValue(v any) any {
	switch t := v.(type) {
	case string:
		return r.Redact(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = r.RedactValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.RedactValue(val)
		}
		return out
	default:
		return v
	}
}
