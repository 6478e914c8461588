// Package sysutil holds tiny process-level helpers used by the server
// entrypoint: global log-level wiring and environment fallbacks.
package sysutil

import (
	"strings"

	"github.com/rs/zerolog"
)

// logLevels maps configured level strings onto zerolog levels. "warning"
// is accepted as an alias because ops tooling emits both spellings.
var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
	"panic":   zerolog.PanicLevel,
}

// SetLogLevel applies the configured LOG_LEVEL to the global zerolog
// level. Empty and unknown values fall back to info.
func SetLogLevel(lvl string) {
	level, ok := logLevels[strings.ToLower(strings.TrimSpace(lvl))]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// FirstNonEmpty returns the first value that is not blank, or "" when all
// are. Used to layer SERVICE_VERSION over build defaults.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
