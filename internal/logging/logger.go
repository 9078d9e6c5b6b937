// Package logging provides the pool's internal diagnostics: a structured
// logger and a bounded record of recent unhandled callback failures. None
// of this is exposed to user callbacks — it exists purely so a library
// consumer can ask "why didn't my cells finalize" without the engine
// taking a hard logging dependency on their behalf.
package logging

import (
	"io"

	"github.com/hashicorp/go-hclog"
)

// New constructs the pool's default logger: silent unless the caller
// asks for something noisier. Mirrors plugin.ClientConfig's
// hclog.New(&hclog.LoggerOptions{...}) construction in the teacher.
func New(name string, out io.Writer, level hclog.Level) hclog.Logger {
	if out == nil {
		out = io.Discard
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  level,
		Output: out,
	})
}

// Off returns a logger that drops everything, used as the pool's
// zero-value default so diagnostics are opt-in.
func Off() hclog.Logger {
	return New("cells", io.Discard, hclog.Off)
}
