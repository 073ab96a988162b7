package logging

import (
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/redact"
)

// TestLogger records every entry for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger returns a logger that observes all levels, Trace included.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{Logger: &Logger{zap: zap.New(core)}, observed: observed}
}

func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// Count returns how many entries were logged at level.
func (t *TestLogger) Count(level zapcore.Level) int {
	return t.observed.FilterLevelExact(level).Len()
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if !t.logged(level, msg) {
		tb.Errorf("expected log at %v containing %q, got %+v", level, msg, t.observed.All())
	}
}

// AssertNotLogged fails tb if an entry at level contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if t.logged(level, msg) {
		tb.Errorf("unexpected log at %v containing %q", level, msg)
	}
}

func (t *TestLogger) logged(level zapcore.Level, msg string) bool {
	for _, e := range t.observed.All() {
		if e.Level == level && strings.Contains(e.Message, msg) {
			return true
		}
	}
	return false
}

// AssertField fails tb unless an entry with message msg carries key=want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.observed.FilterMessage(msg).All() {
		if got, ok := e.ContextMap()[key]; ok && reflect.DeepEqual(got, want) {
			return
		}
	}
	tb.Errorf("field %q=%v not found in message %q", key, want, msg)
}

// AssertNoSecrets fails tb if any message or string field matches a
// credential rule.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	r, err := redact.New(nil)
	if err != nil {
		tb.Fatal(err)
	}
	for _, e := range t.observed.All() {
		if f := r.Redact(e.Message).Findings; len(f) > 0 {
			tb.Errorf("secret (%s) in message %q", f[0].RuleID, e.Message)
		}
		for _, field := range e.Context {
			if field.Type != zapcore.StringType {
				continue
			}
			if f := r.Redact(field.String).Findings; len(f) > 0 {
				tb.Errorf("secret (%s) in field %q", f[0].RuleID, field.Key)
			}
		}
	}
}
