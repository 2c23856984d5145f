package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lspherd/lspherd/internal/lsperr"
)

// diagnosticsDebounce coalesces rapid successive publishes from one edit.
// Servers often publish an intermediate empty or partial set before the
// final one; resolving on the first publish would hand back stale results.
const diagnosticsDebounce = 150 * time.Millisecond

// diagnosticsStore accumulates publishDiagnostics state for one client.
// Each publish replaces the stored set for its URI and bumps a per-URI
// monotonic sequence, so a stale wait can never be satisfied by an older
// publish.
type diagnosticsStore struct {
	mu      sync.Mutex
	byURI   map[DocumentURI][]Diagnostic
	seq     map[DocumentURI]int64
	waiters map[*diagWaiter]struct{}

	debounce time.Duration
}

type diagWaiter struct {
	uri    DocumentURI
	minSeq int64
	hits   chan struct{}
}

func newDiagnosticsStore() *diagnosticsStore {
	return &diagnosticsStore{
		byURI:    make(map[DocumentURI][]Diagnostic),
		seq:      make(map[DocumentURI]int64),
		waiters:  make(map[*diagWaiter]struct{}),
		debounce: diagnosticsDebounce,
	}
}

// publish stores the replacement set for uri, bumps the sequence, and
// nudges matching waiters.
func (s *diagnosticsStore) publish(uri DocumentURI, diags []Diagnostic) {
	s.mu.Lock()
	s.byURI[uri] = diags
	s.seq[uri]++
	seq := s.seq[uri]
	for w := range s.waiters {
		if w.uri == uri && seq >= w.minSeq {
			select {
			case w.hits <- struct{}{}:
			default:
			}
		}
	}
	s.mu.Unlock()
}

// get returns the current diagnostics for uri.
func (s *diagnosticsStore) get(uri DocumentURI) []Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byURI[uri]
}

// all returns a copy of every stored set.
func (s *diagnosticsStore) all() map[DocumentURI][]Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[DocumentURI][]Diagnostic, len(s.byURI))
	for uri, d := range s.byURI {
		out[uri] = d
	}
	return out
}

// count returns the total number of stored diagnostics.
func (s *diagnosticsStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.byURI {
		n += len(d)
	}
	return n
}

// nextSeq returns the sequence number the next publish for uri will carry.
// A caller that just touched a document waits for this value so it can
// never be satisfied by a publish from before the touch.
func (s *diagnosticsStore) nextSeq(uri DocumentURI) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq[uri] + 1
}

// wait blocks until uri has seen a publish at or after minSeq and the
// debounce window has elapsed without a newer publish arriving. Timeout and
// caller cancellation reject the wait; a waiter never resolves below its
// requested minimum.
func (s *diagnosticsStore) wait(ctx context.Context, uri DocumentURI, minSeq int64, timeout time.Duration) error {
	w := &diagWaiter{uri: uri, minSeq: minSeq, hits: make(chan struct{}, 1)}

	s.mu.Lock()
	s.waiters[w] = struct{}{}
	satisfied := s.seq[uri] >= minSeq
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiters, w)
		s.mu.Unlock()
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	debounce := time.NewTimer(s.debounce)
	defer debounce.Stop()
	if !satisfied {
		if !debounce.Stop() {
			<-debounce.C
		}
	}

	for {
		select {
		case <-w.hits:
			// A matching publish arrived; re-arm the debounce window so
			// rapid successive publishes coalesce into the last one.
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(s.debounce)
		case <-debounce.C:
			return nil
		case <-deadline.C:
			return lsperr.New(lsperr.CodeTimedOut, "", "",
				fmt.Sprintf("diagnostics for %s not published within %s", uri, timeout))
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return lsperr.New(lsperr.CodeTimedOut, "", "", "diagnostics wait deadline exceeded")
			}
			return lsperr.New(lsperr.CodeAborted, "", "", "diagnostics wait aborted")
		}
	}
}
