package hooks

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestFireTagsTheCallsite(t *testing.T) {
	logger := logrus.New()
	var buf bytes.Buffer
	logger.Out = &buf
	logger.AddHook(NewContextHook())

	logger.Info("hello")

	entry := buf.String()
	if !strings.Contains(entry, "file:line") || !strings.Contains(entry, "context_hook_test.go:") {
		t.Fatalf("expected the callsite in the entry, got %q", entry)
	}
}

func TestFireSkipsLogrusFrames(t *testing.T) {
	entry := logrus.NewEntry(logrus.New())
	if err := (contextHook{}).Fire(entry); err != nil {
		t.Fatalf("fire: %v", err)
	}
	tagged, ok := entry.Data["file:line"].(string)
	if !ok {
		t.Fatal("expected a file:line field")
	}
	if strings.Contains(tagged, "context_hook.go") {
		t.Fatalf("hook tagged itself instead of its caller: %s", tagged)
	}
}
