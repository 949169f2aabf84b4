package log

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

type bufEmitter struct {
	buf bytes.Buffer
}

func (b *bufEmitter) Emit(level Level, timestamp time.Time, format string, args ...any) {
	b.buf.WriteString(level.String())
	b.buf.WriteByte(':')
	b.buf.WriteString(format)
}

func TestBasicLoggerRespectsLevel(t *testing.T) {
	e := &bufEmitter{}
	l := &BasicLogger{Level: Info, Emitter: e}

	l.Debugf("hidden")
	if e.buf.Len() != 0 {
		t.Fatalf("Debugf logged below configured level: %q", e.buf.String())
	}

	l.Infof("visible")
	if !strings.Contains(e.buf.String(), "visible") {
		t.Fatalf("Infof did not log: %q", e.buf.String())
	}
}

func TestBasicLoggerIsLogging(t *testing.T) {
	l := &BasicLogger{Level: Warning}
	if l.IsLogging(Info) {
		t.Fatalf("IsLogging(Info) true with Level=Warning")
	}
	if !l.IsLogging(Warning) {
		t.Fatalf("IsLogging(Warning) false with Level=Warning")
	}
	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Fatalf("IsLogging(Debug) false after SetLevel(Debug)")
	}
}

func TestSetDefaultAndPackageWrappers(t *testing.T) {
	e := &bufEmitter{}
	prev := Default()
	SetDefault(&BasicLogger{Level: Debug, Emitter: e})
	defer SetDefault(prev)

	Infof("hello %d", 42)
	if !strings.Contains(e.buf.String(), "hello %d") {
		t.Fatalf("Infof via package wrapper did not reach emitter: %q", e.buf.String())
	}
}
