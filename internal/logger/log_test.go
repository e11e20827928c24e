package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestConsoleLoggerLevelFiltering(t *testing.T) {
	tests := []struct {
		name      string
		level     Level
		log       func(Logger)
		wantEmpty bool
	}{
		{
			name:  "debug suppressed at info level",
			level: INFO,
			log:   func(l Logger) { l.Debug("hidden") },
			wantEmpty: true,
		},
		{
			name:  "info passes at info level",
			level: INFO,
			log:   func(l Logger) { l.Info("visible") },
		},
		{
			name:  "error always passes",
			level: FATAL,
			log:   func(l Logger) { l.Error("boom") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewConsoleLogger(&TextPrinter{Writer: &buf}, func(int) {})
			l.SetLevel(tt.level)
			tt.log(l)

			if got := buf.Len() == 0; got != tt.wantEmpty {
				t.Fatalf("buf.Len()==0 = %v, want %v (output: %q)", got, tt.wantEmpty, buf.String())
			}
		})
	}
}

func TestWithFieldsRendersKeyValue(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(&TextPrinter{Writer: &buf}, func(int) {})
	l = l.WithFields(StringField("toolkit", "zabbix"), IntField("attempt", 2))
	l.Info("dispatching")

	out := buf.String()
	if !strings.Contains(out, "toolkit=zabbix") || !strings.Contains(out, "attempt=2") {
		t.Fatalf("expected rendered fields in output, got %q", out)
	}
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	base := NewConsoleLogger(&TextPrinter{Writer: &buf}, func(int) {})
	child := base.WithFields(StringField("job_id", "abc"))

	base.Info("no fields here")
	if strings.Contains(buf.String(), "job_id") {
		t.Fatalf("parent logger should not have inherited child fields: %q", buf.String())
	}

	buf.Reset()
	child.Info("with field")
	if !strings.Contains(buf.String(), "job_id=abc") {
		t.Fatalf("expected child field in output: %q", buf.String())
	}
}
