// Package logging builds zerolog.Logger instances for constructor
// injection, per spec §9's Design Notes: logging is a dependency passed
// in, never a process-wide singleton the way the teacher's internal/utils
// debug logger is. Grounded on the teacher's use of zerolog-style leveled
// output in cmd/root.go, generalized into a reusable constructor.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures a Logger build.
type Options struct {
	// Verbose enables debug-level output; otherwise only info and above
	// are logged.
	Verbose bool
	// JSON selects structured JSON output instead of the human-readable
	// console writer; the CLI uses console, a future daemon would use JSON.
	JSON bool
	// Output defaults to os.Stderr, keeping stdout free for the CLI's own
	// output (e.g. the `godl ls` table).
	Output io.Writer
}

// New builds a zerolog.Logger per opts. Each call returns an independent
// logger; nothing here is shared global state.
func New(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var writer io.Writer = out
	if !opts.JSON {
		writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level := zerolog.InfoLevel
	if opts.Verbose {
		level = zerolog.DebugLevel
	}

	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
