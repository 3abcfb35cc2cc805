//go:build dev
// +build dev

package build

import "os"

// LogLevel specifies a default log level of trace unless overridden by the
// LOGLEVEL environment variable.
var LogLevel = getLogLevel()

func getLogLevel() string {
	if level := os.Getenv("LOGLEVEL"); level != "" {
		return level
	}

	return "trace"
}
