// Package wlog wraps the standard log package with the per-run tag prefix
// and the secret-redaction rule every command/environment log line must
// apply (spec.md §7, "Secret hygiene"; ported from the original wrapper's
// common.log_command_safe).
package wlog

import (
	"io"
	"log"
	"regexp"
	"strings"
)

// Logger prefixes every line with the run tag and exposes a redacted
// command/environment logger on top of the standard library's log.Logger.
type Logger struct {
	*log.Logger
}

// New creates a Logger that writes to w with "tag: " prefixed to every
// message, the way the teacher prefixes its own log lines with a VM or
// operation name.
func New(w io.Writer, tag string) *Logger {
	return &Logger{Logger: log.New(w, tag+": ", log.LstdFlags)}
}

// argPasswordRE matches "<name-containing-password>=<value>" command
// arguments; ported from common.py's arg_re.
var argPasswordRE = regexp.MustCompile(`(?i)^([^=]*password[^=]*)=(.*)$`)

// envPasswordRE matches an environment key that case-insensitively
// contains "password"; ported from common.py's env_re.
var envPasswordRE = regexp.MustCompile(`(?i)password`)

// RedactArgs returns a copy of args with any "name-containing-password=value"
// entry masked to "name=*****".
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if m := argPasswordRE.FindStringSubmatch(a); m != nil {
			out[i] = m[1] + "=*****"
		} else {
			out[i] = a
		}
	}
	return out
}

// RedactEnv returns a copy of env ("KEY=VALUE" strings) with any entry
// whose key contains "password" masked to "KEY=*****".
func RedactEnv(env []string) []string {
	out := make([]string, len(env))
	for i, e := range env {
		k, _, found := strings.Cut(e, "=")
		if found && envPasswordRE.MatchString(k) {
			out[i] = k + "=*****"
		} else {
			out[i] = e
		}
	}
	return out
}

// Command logs a command invocation with its arguments and environment
// redacted, mirroring log_command_safe's "Executing command: ..., environment: ...".
func (l *Logger) Command(args, env []string) {
	l.Printf("executing command: %v, environment: %v", RedactArgs(args), RedactEnv(env))
}
