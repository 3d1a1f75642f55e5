package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// rule masks the secret part of a match. The replacement may reference
// capture groups so that field names and key prefixes stay readable.
type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor masks credentials before log lines reach their sink
type Redactor struct {
	rules []rule
}

// NewRedactor returns a redactor for provider keys, auth headers and
// credential fields in tool-call payloads
func NewRedactor() *Redactor {
	return &Redactor{rules: []rule{
		// auth headers go first so the bearer rule does not split them
		{regexp.MustCompile(`(?i)(x-api-key|authorization)(["\s:=]+)(?:bearer\s+)?[^\s",}]+`), "${1}${2}" + redacted},
		{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`), "Bearer " + redacted},
		{regexp.MustCompile(`\b(sk-ant-|sk-)[A-Za-z0-9_-]{20,}`), "${1}" + redacted},
		{regexp.MustCompile(`(?i)"(api_?key|password|secret|token|access_token)"\s*:\s*"[^"]*"`), `"${1}":"` + redacted + `"`},
		{regexp.MustCompile(`(?i)\b(password|pwd|secret|token)=[^\s&"]+`), "${1}=" + redacted},
		{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), redacted},
	}}
}

// AddPattern masks every match of pattern entirely
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: redacted})
	return nil
}

// Redact applies every rule in order
func (r *Redactor) Redact(s string) string {
	for _, ru := range r.rules {
		s = ru.re.ReplaceAllString(s, ru.repl)
	}
	return s
}

// Wrap returns a writer that redacts each write before forwarding it to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		if _, err := io.WriteString(w, r.Redact(string(p))); err != nil {
			return 0, err
		}
		// zerolog treats a short count as an error, so report the input length
		return len(p), nil
	})
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
