// Package redact scrubs credential-shaped and personal-identifier substrings
// from text before it leaves its owner's scope.
package redact

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const secretRefPrefix = "secret://"

// Pattern is an operator-supplied rule; Expr is an RE2 expression.
type Pattern struct {
	Name string
	Expr string
}

// Counts tallies replacements per rule name.
type Counts map[string]int

// Total is the number of spans replaced across all rules.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

type rule struct {
	name    string
	re      *regexp.Regexp
	accept  func(match string) bool
	replace func(match, placeholder string) string
}

// Redactor applies an ordered rule set. Safe for concurrent use.
type Redactor struct {
	rules []rule
}

var credentialAssignment = regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|api[_-]?key|access[_-]?key|client[_-]?secret)(\s*[:=]\s*)[^\s\[]\S*`)

func builtinRules() []rule {
	return []rule{
		{name: "private_key", re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
		{name: "secret_ref", re: regexp.MustCompile(regexp.QuoteMeta(secretRefPrefix) + `[^\s"'<>]+`)},
		{name: "jwt", re: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`)},
		{name: "bearer_token", re: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{16,}`)},
		{name: "api_key", re: regexp.MustCompile(`\b(?:sk|pk|rk)[-_](?:live[-_]|test[-_]|proj-)?[A-Za-z0-9_-]{16,}`)},
		{name: "aws_access_key", re: regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
		{name: "github_token", re: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
		{name: "slack_token", re: regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9-]{10,}`)},
		{
			name: "credential",
			re:   credentialAssignment,
			replace: func(match, placeholder string) string {
				sub := credentialAssignment.FindStringSubmatch(match)
				if len(sub) < 3 {
					return placeholder
				}
				return sub[1] + sub[2] + placeholder
			},
		},
		{name: "email", re: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
		{name: "ssn", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{name: "card_number", re: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), accept: luhnValid},
	}
}

// New builds a redactor with the built-in rules followed by extra patterns.
func New(extra ...Pattern) (*Redactor, error) {
	rules := builtinRules()
	for _, p := range extra {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("redaction pattern missing name")
		}
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("compile redaction pattern %q: %w", name, err)
		}
		rules = append(rules, rule{name: name, re: re})
	}
	return &Redactor{rules: rules}, nil
}

// Default returns a redactor with only the built-in rules.
func Default() *Redactor {
	r, _ := New()
	return r
}

// Placeholder is the typed marker substituted for a span matched by rule name.
func Placeholder(name string) string {
	return "[REDACTED:" + name + "]"
}

// Redact NFKC-normalizes text and replaces every sensitive span with a typed
// placeholder. Rules run in order; later rules see earlier placeholders.
func (r *Redactor) Redact(text string) (string, Counts) {
	counts := Counts{}
	if text == "" {
		return text, counts
	}
	out := norm.NFKC.String(text)
	if r == nil {
		return out, counts
	}
	for _, rl := range r.rules {
		placeholder := Placeholder(rl.name)
		out = rl.re.ReplaceAllStringFunc(out, func(match string) string {
			if rl.accept != nil && !rl.accept(match) {
				return match
			}
			counts[rl.name]++
			if rl.replace != nil {
				return rl.replace(match, placeholder)
			}
			return placeholder
		})
	}
	for name, n := range counts {
		if n == 0 {
			delete(counts, name)
		}
	}
	return out, counts
}

func luhnValid(match string) bool {
	sum, n := 0, 0
	double := false
	for i := len(match) - 1; i >= 0; i-- {
		c := match[i]
		if c == ' ' || c == '-' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		n++
	}
	return n >= 13 && sum%10 == 0
}
