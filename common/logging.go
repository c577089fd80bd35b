// Package common provides the centralized logging infrastructure for the
// Flowmatic platform. It implements log output routing that directs error
// messages to stderr while sending other log levels to stdout, enabling
// proper stream separation for containerized deployments.
//
// The logger is built on logrus for structured logging. All services and
// engine components use the global Logger instance so that execution logs,
// scheduler activity, and request handling share one consistent format.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level. Error-level lines go to stderr so orchestrators and log
// aggregators can treat them with higher priority; everything else goes to
// stdout.
type OutputSplitter struct{}

// Write implements io.Writer. It inspects the formatted entry for the
// level=error marker produced by logrus and picks the stream accordingly.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the platform. It is
// pre-configured with the OutputSplitter; main further configures the
// formatter and level from the service configuration.
//
// Structured fields used across the engine:
//
//	Logger.WithFields(logrus.Fields{
//	    "execution_id": executionID,
//	    "node_id":      nodeID,
//	}).Info("step completed")
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies the service log level and format ("json" or
// "text") to the global logger.
func ConfigureLogger(level, format string) {
	if parsed, err := logrus.ParseLevel(level); err == nil {
		Logger.SetLevel(parsed)
	}
	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
