package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// redactionRule replaces every match of pattern with replacement, which may
// refer to capture groups so field names survive.
type redactionRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Redactor masks provider credentials before log lines reach disk.
type Redactor struct {
	rules []redactionRule
}

func rule(pattern, replacement string) redactionRule {
	return redactionRule{pattern: regexp.MustCompile(pattern), replacement: replacement}
}

// NewRedactor creates a redactor for the secrets this process handles:
// embedding and consolidation API keys, auth headers and MNEMO_* env dumps.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []redactionRule{
			// Key-bearing fields first so the field name is kept.
			rule(`("(?:embedding_)?api_key"\s*:\s*)"[^"*]{9,}"`, `${1}"`+redacted+`"`),
			rule(`(MNEMO_[A-Z_]*API_KEY=)\S+`, "${1}"+redacted),
			rule(`(?i)(x-api-key\s*[:=]\s*)\S+`, "${1}"+redacted),
			rule(`(Bearer\s+)[A-Za-z0-9._~+/-]+=*`, "${1}"+redacted),

			// Bare provider keys anywhere in a message.
			rule(`sk-ant-[A-Za-z0-9_-]{20,}`, redacted),
			rule(`sk-[A-Za-z0-9_-]{20,}`, redacted),

			rule(`(?i)((?:password|secret)["\s:=]+)[^\s"]+`, "${1}"+redacted),
		},
	}
}

// AddPattern masks every match of pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactionRule{pattern: re, replacement: redacted})
	return nil
}

// Redact returns s with every secret masked.
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.pattern.ReplaceAllString(s, rl.replacement)
	}
	return s
}

// Wrap returns a writer that redacts each write before forwarding it.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since the redacted line may be shorter.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
