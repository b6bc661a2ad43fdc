package executor

import (
	"strings"
	"testing"

	"github.com/fleetworks/fleet/internal/errors"
	"github.com/fleetworks/fleet/internal/store"
)

func TestClassify(t *testing.T) {
	longOutput := strings.Repeat("agent output line\n", 10)

	tests := []struct {
		name      string
		exitCode  int
		signalled bool
		output    string
		cause     stopCause
		wantSt    store.Status
		wantCl    errors.FailureClass
	}{
		{
			name:     "clean exit with output",
			exitCode: 0,
			output:   longOutput,
			wantSt:   store.StatusCompleted,
			wantCl:   errors.ClassNone,
		},
		{
			name:     "exit zero with near-empty output is a capture failure",
			exitCode: 0,
			output:   "ok",
			wantSt:   store.StatusFailed,
			wantCl:   errors.ClassCommandFailed,
		},
		{
			name:     "exit zero with whitespace-only output",
			exitCode: 0,
			output:   "    \n\n   \t  ",
			wantSt:   store.StatusFailed,
			wantCl:   errors.ClassCommandFailed,
		},
		{
			name:     "non-zero exit",
			exitCode: 2,
			output:   longOutput,
			wantSt:   store.StatusFailed,
			wantCl:   errors.ClassCommandFailed,
		},
		{
			name:      "killed by signal",
			exitCode:  -1,
			signalled: true,
			output:    longOutput,
			wantSt:    store.StatusFailed,
			wantCl:    errors.ClassKilled,
		},
		{
			name:     "timeout",
			exitCode: -1,
			output:   longOutput,
			cause:    stopCause{timedOut: true},
			wantSt:   store.StatusFailed,
			wantCl:   errors.ClassTimeout,
		},
		{
			name:     "usage marker in output",
			exitCode: 1,
			output:   "working...\nUsage limit reached for this billing period\n",
			wantSt:   store.StatusFailed,
			wantCl:   errors.ClassUsageLimit,
		},
		{
			name:     "abort wins over everything",
			exitCode: 1,
			output:   "quota exceeded",
			cause:    stopCause{aborted: true, usageLimit: true, timedOut: true},
			wantSt:   store.StatusFailed,
			wantCl:   errors.ClassAborted,
		},
		{
			name:      "usage limit wins over timeout and signal",
			exitCode:  -1,
			signalled: true,
			output:    longOutput,
			cause:     stopCause{usageLimit: true, timedOut: true},
			wantSt:    store.StatusFailed,
			wantCl:    errors.ClassUsageLimit,
		},
		{
			name:      "timeout wins over signal",
			exitCode:  -1,
			signalled: true,
			output:    longOutput,
			cause:     stopCause{timedOut: true},
			wantSt:    store.StatusFailed,
			wantCl:    errors.ClassTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, cl := classify(tt.exitCode, tt.signalled, tt.output, tt.cause, 10)
			if st != tt.wantSt || cl != tt.wantCl {
				t.Errorf("classify() = (%s, %s), want (%s, %s)", st, cl, tt.wantSt, tt.wantCl)
			}
		})
	}
}

func TestHasUsageMarker(t *testing.T) {
	if !hasUsageMarker("ERROR: Credit balance is too low to continue") {
		t.Error("marker not detected case-insensitively")
	}
	if hasUsageMarker("all systems nominal") {
		t.Error("false positive on clean output")
	}
}

func TestTailBufferSmallStream(t *testing.T) {
	buf := newTailBuffer(1024, 64)
	buf.Write([]byte("hello "))
	buf.Write([]byte("world"))

	if got := buf.Output(); got != "hello world" {
		t.Errorf("Output() = %q, want %q", got, "hello world")
	}
	if got := buf.Len(); got != 11 {
		t.Errorf("Len() = %d, want 11", got)
	}
}

func TestTailBufferElidesMiddle(t *testing.T) {
	buf := newTailBuffer(16, 8)
	buf.Write([]byte("AAAAAAAAAAAAAAAA")) // fills the head
	buf.Write([]byte(strings.Repeat("B", 100)))
	buf.Write([]byte("ZZZZZZZZ")) // the live tail

	out := buf.Output()
	if !strings.HasPrefix(out, "AAAAAAAAAAAAAAAA") {
		t.Errorf("output lost the head: %q", out)
	}
	if !strings.HasSuffix(out, "ZZZZZZZZ") {
		t.Errorf("output lost the tail: %q", out)
	}
	if !strings.Contains(out, "elided") {
		t.Errorf("output should mark the elided middle: %q", out)
	}
	if buf.Len() != 16+100+8 {
		t.Errorf("Len() = %d, want %d", buf.Len(), 16+100+8)
	}
}

func TestTailBufferTailIsAlwaysCurrent(t *testing.T) {
	buf := newTailBuffer(8, 8)
	buf.Write([]byte(strings.Repeat("x", 100)))
	buf.Write([]byte("FINALOUT"))

	if got := buf.Tail(8); got != "FINALOUT" {
		t.Errorf("Tail(8) = %q, want %q", got, "FINALOUT")
	}
}
