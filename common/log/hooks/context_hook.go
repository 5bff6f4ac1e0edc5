package hooks

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// contextHook tags every entry with the file:line of the log callsite,
// recovered from the call stack since logrus doesn't expose it directly.
type contextHook struct {
}

func NewContextHook() contextHook {
	return contextHook{}
}

func (hook contextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook contextHook) Fire(entry *logrus.Entry) error {
	// Walk past this hook and the logrus machinery to the first frame
	// that belongs to neither.
	pcs := make([]uintptr, 32)
	n := runtime.Callers(1, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !inLoggingMachinery(frame.Function) {
			entry.Data["file:line"] = fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
			return nil
		}
		if !more {
			return nil
		}
	}
}

func inLoggingMachinery(function string) bool {
	return strings.Contains(function, "sirupsen/logrus") ||
		strings.HasSuffix(function, "hooks.contextHook.Fire")
}
