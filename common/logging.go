// Package common provides centralized logging and retry infrastructure for
// the Onyx ingestion orchestrator. It implements intelligent log output
// routing that automatically directs error messages to stderr while sending
// other log levels to stdout, enabling proper stream separation for
// containerized environments, plus a typed retry combinator used by every
// component that talks to an external system.
//
// The logging system is built on logrus for structured logging capabilities
// with custom output handling. It provides a foundation for consistent
// logging across the scheduler, the watchdog, the connector runtime, the
// indexing pipeline, and the sync coordinator.
//
// Key Features:
//   - Automatic output stream routing based on log level
//   - Structured logging with JSON and text format support
//   - Container-friendly output separation for log aggregation
//   - Global logger instance for consistent usage patterns
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter implements log output routing based on log content.
// Messages containing "level=error" go to stderr so orchestration platforms
// and alerting pipelines can treat them with higher priority; everything
// else goes to stdout.
//
// The splitter operates on the final formatted output, so it works with
// both the text and JSON logrus formatters. It performs a single
// bytes.Contains check per message and allocates nothing.
type OutputSplitter struct{}

// Write implements io.Writer, routing the formatted log line to stderr when
// it carries an error level indicator and to stdout otherwise.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the orchestrator. It is
// pre-configured with the OutputSplitter; services customize formatting and
// level at startup through ConfigureLogger.
//
// All orchestrator components use this instance (directly or wrapped in a
// ContextLogger) to keep log structure uniform for parsing and analysis.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
