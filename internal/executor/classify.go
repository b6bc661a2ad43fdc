package executor

import (
	"strconv"
	"strings"
	"sync"

	"github.com/fleetworks/fleet/internal/errors"
	"github.com/fleetworks/fleet/internal/store"
)

// usageMarkers are substrings in agent output that indicate the backend ran
// out of quota or credits. Matching any of them stops the run early instead
// of burning the rest of the timeout window.
var usageMarkers = []string{
	"usage limit reached",
	"usage limit exceeded",
	"quota exceeded",
	"out of free quota",
	"rate limit exceeded",
	"credit balance is too low",
	"insufficient credits",
	"you've hit your usage limit",
}

// hasUsageMarker scans recent output for a quota-exhaustion marker.
func hasUsageMarker(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range usageMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// stopCause records why the supervision loop terminated the subprocess, if
// it did. The zero value means the process exited on its own.
type stopCause struct {
	aborted    bool
	usageLimit bool
	timedOut   bool
}

// classify maps a finished attempt to its final status and failure class.
//
// A run is completed only when the process exited zero AND produced at
// least minOutputChars of output; an exit-0 run with near-empty output is a
// suspicious capture failure, not a success. Failure classes are assigned
// in strict priority order: aborted_by_user, usage_limit, timeout, killed,
// command_failed.
func classify(exitCode int, signalled bool, output string, cause stopCause, minOutputChars int) (store.Status, errors.FailureClass) {
	switch {
	case cause.aborted:
		return store.StatusFailed, errors.ClassAborted
	case cause.usageLimit || hasUsageMarker(output):
		return store.StatusFailed, errors.ClassUsageLimit
	case cause.timedOut:
		return store.StatusFailed, errors.ClassTimeout
	case signalled:
		return store.StatusFailed, errors.ClassKilled
	case exitCode == 0 && len(strings.TrimSpace(output)) >= minOutputChars:
		return store.StatusCompleted, errors.ClassNone
	default:
		return store.StatusFailed, errors.ClassCommandFailed
	}
}

// tailBuffer captures subprocess output. It keeps the head of the stream up
// to a cap plus a rolling tail of the most recent bytes, so progress
// patches always show live output even on very chatty commands. Safe for
// concurrent use: the capture goroutine writes while the supervision loop
// reads.
type tailBuffer struct {
	mu      sync.Mutex
	head    []byte
	tail    []byte
	headMax int
	tailMax int
	total   int
}

// newTailBuffer creates a buffer keeping at most headMax leading bytes and
// a rolling window of tailMax trailing bytes.
func newTailBuffer(headMax, tailMax int) *tailBuffer {
	return &tailBuffer{headMax: headMax, tailMax: tailMax}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += len(p)

	if len(b.head) < b.headMax {
		room := b.headMax - len(b.head)
		if len(p) > room {
			b.head = append(b.head, p[:room]...)
		} else {
			b.head = append(b.head, p...)
		}
	}

	b.tail = append(b.tail, p...)
	if len(b.tail) > b.tailMax {
		b.tail = b.tail[len(b.tail)-b.tailMax:]
	}
	return len(p), nil
}

// Len returns the total number of bytes written, including truncated ones.
func (b *tailBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Output returns the captured output, eliding the middle when the stream
// exceeded the head cap.
func (b *tailBuffer) Output() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.total <= b.headMax {
		return string(b.head)
	}
	elided := b.total - len(b.head) - len(b.tail)
	if elided <= 0 {
		// Head and tail overlap; the tail alone covers the end of stream.
		return string(b.head) + string(b.tail[len(b.tail)-(b.total-len(b.head)):])
	}
	return string(b.head) + "\n... [" + strings.TrimSpace(byteCount(elided)) + " elided] ...\n" + string(b.tail)
}

// Tail returns the last n bytes of captured output.
func (b *tailBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.tail) {
		n = len(b.tail)
	}
	return string(b.tail[len(b.tail)-n:])
}

func byteCount(n int) string {
	switch {
	case n >= 1<<20:
		return strconv.Itoa(n>>20) + " MiB"
	case n >= 1<<10:
		return strconv.Itoa(n>>10) + " KiB"
	default:
		return strconv.Itoa(n) + " B"
	}
}
