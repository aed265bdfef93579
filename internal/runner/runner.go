// Package runner implements the two ways the converter can be launched:
// as a direct child process, or as a service-manager-supervised unit
// (spec.md §4.4).
package runner

import "context"

// Runner is the abstract process-lifecycle surface the Run Controller
// drives.
type Runner interface {
	// Run starts the converter. It must populate PID() once known.
	Run(ctx context.Context) error
	// IsRunning reports whether the converter is still active.
	IsRunning() bool
	// Kill stops the converter. Best-effort, non-blocking.
	Kill()
	// ReturnCode returns the converter's exit status, or nil while it is
	// still running.
	ReturnCode() *int
	// PID returns the converter's process id (or the unit's main PID).
	PID() int
}

// Env is a simple ordered key/value environment, used instead of
// map[string]string so that redaction and --setenv composition can be
// deterministic (stable iteration order) and duplicate-safe.
type Env []EnvVar

// EnvVar is one environment variable.
type EnvVar struct {
	Key   string
	Value string
}

// Get returns the value for key and whether it was present.
func (e Env) Get(key string) (string, bool) {
	for _, v := range e {
		if v.Key == key {
			return v.Value, true
		}
	}
	return "", false
}

// Without returns a copy of e with key removed, if present.
func (e Env) Without(key string) Env {
	out := make(Env, 0, len(e))
	for _, v := range e {
		if v.Key != key {
			out = append(out, v)
		}
	}
	return out
}

// Set returns a copy of e with key set to value, replacing any existing
// entry for key.
func (e Env) Set(key, value string) Env {
	out := make(Env, 0, len(e)+1)
	found := false
	for _, v := range e {
		if v.Key == key {
			out = append(out, EnvVar{Key: key, Value: value})
			found = true
			continue
		}
		out = append(out, v)
	}
	if !found {
		out = append(out, EnvVar{Key: key, Value: value})
	}
	return out
}

// Strings renders e as "KEY=VALUE" pairs, in order, for exec.Cmd.Env.
func (e Env) Strings() []string {
	out := make([]string, len(e))
	for i, v := range e {
		out[i] = v.Key + "=" + v.Value
	}
	return out
}
