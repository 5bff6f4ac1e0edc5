// Package log configures process-wide logrus logging for hpsched binaries
// and tests. Level comes from the HPSCHED_LOGLEVEL env var so array-job
// tasks can be made chatty without a redeploy.
package log

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/hpsched/hpsched/common/log/hooks"
)

const levelEnvVar = "HPSCHED_LOGLEVEL"

// Init sets up the default logger for a binary: env-configured level
// (defaultLevel if unset or unparsable) and a callsite hook.
func Init(defaultLevel logrus.Level) {
	level := defaultLevel
	if loglevel := os.Getenv(levelEnvVar); loglevel != "" {
		parsed, err := logrus.ParseLevel(loglevel)
		if err != nil {
			logrus.Errorf("Ignoring bad %s value %q: %v", levelEnvVar, loglevel, err)
		} else {
			level = parsed
		}
	}
	logrus.SetLevel(level)
	logrus.AddHook(hooks.NewContextHook())
}

// InitForTest quiets logging in tests unless HPSCHED_LOGLEVEL overrides.
func InitForTest() {
	Init(logrus.ErrorLevel)
}
