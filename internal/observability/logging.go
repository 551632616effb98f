// Package observability carries muxd's ambient instrumentation: the
// process-wide structured logger, trace-aware logger derivation, payload
// redaction, OpenTelemetry wiring, and the zerolog-to-OTLP log bridge.
package observability

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the process-wide zerolog logger. Records go to
// logPath when set (stdout otherwise — a configured log file replaces
// stdout entirely so interactive frontends own the terminal), and every
// record is additionally bridged to the OpenTelemetry log provider, which
// stays a no-op until InitOTel installs a real one.
func InitLogger(logPath, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var primary io.Writer = os.Stdout
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "muxd: cannot open log file %q: %v; logging to stdout\n", logPath, err)
		} else {
			primary = f
		}
	}

	sink := zerolog.MultiLevelWriter(primary, NewOTelWriter("muxd"))
	log.Logger = zerolog.New(sink).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(parseLevel(level))

	// The standard library logger feeds through too, so nothing a
	// dependency prints escapes the structured stream.
	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
}

func parseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	}
	if l, err := zerolog.ParseLevel(level); err == nil {
		return l
	}
	return zerolog.InfoLevel
}
