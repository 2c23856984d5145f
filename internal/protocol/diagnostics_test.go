package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/lspherd/lspherd/internal/lsperr"
)

func testDiag(msg string) Diagnostic {
	return Diagnostic{Message: msg, Severity: SeverityError}
}

func TestDiagnosticsPublishReplaces(t *testing.T) {
	s := newDiagnosticsStore()
	uri := DocumentURI("file:///p/main.go")

	s.publish(uri, []Diagnostic{testDiag("a"), testDiag("b")})
	s.publish(uri, []Diagnostic{testDiag("c")})

	got := s.get(uri)
	if len(got) != 1 || got[0].Message != "c" {
		t.Errorf("publish should replace, got %v", got)
	}
	if s.count() != 1 {
		t.Errorf("count = %d", s.count())
	}
}

func TestDiagnosticsWaitMinSeq(t *testing.T) {
	s := newDiagnosticsStore()
	s.debounce = 10 * time.Millisecond
	uri := DocumentURI("file:///p/main.go")

	// A publish from before the touch must not satisfy the wait.
	s.publish(uri, []Diagnostic{testDiag("stale")})
	minSeq := s.nextSeq(uri)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.wait(context.Background(), uri, minSeq, 2*time.Second)
	}()

	// Give the waiter time to register, then publish the fresh set.
	time.Sleep(20 * time.Millisecond)
	s.publish(uri, []Diagnostic{testDiag("fresh")})

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("wait failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("wait never resolved")
	}
	if got := s.get(uri); len(got) != 1 || got[0].Message != "fresh" {
		t.Errorf("resolved on the wrong set: %v", got)
	}
}

func TestDiagnosticsWaitAlreadySatisfied(t *testing.T) {
	s := newDiagnosticsStore()
	s.debounce = 5 * time.Millisecond
	uri := DocumentURI("file:///p/x.go")

	minSeq := s.nextSeq(uri)
	s.publish(uri, nil)

	if err := s.wait(context.Background(), uri, minSeq, time.Second); err != nil {
		t.Errorf("pre-satisfied wait failed: %v", err)
	}
}

func TestDiagnosticsWaitDebounceCoalesces(t *testing.T) {
	s := newDiagnosticsStore()
	s.debounce = 60 * time.Millisecond
	uri := DocumentURI("file:///p/x.go")
	minSeq := s.nextSeq(uri)

	done := make(chan error, 1)
	go func() {
		done <- s.wait(context.Background(), uri, minSeq, 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	s.publish(uri, []Diagnostic{testDiag("first")})
	time.Sleep(20 * time.Millisecond) // inside the debounce window
	s.publish(uri, []Diagnostic{testDiag("final")})

	if err := <-done; err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if got := s.get(uri); len(got) != 1 || got[0].Message != "final" {
		t.Errorf("wait resolved before the last publish: %v", got)
	}
}

func TestDiagnosticsWaitTimeout(t *testing.T) {
	s := newDiagnosticsStore()
	uri := DocumentURI("file:///p/silent.go")

	err := s.wait(context.Background(), uri, 1, 30*time.Millisecond)
	if !lsperr.Is(err, lsperr.CodeTimedOut) {
		t.Errorf("err = %v, want ETIMEDOUT", err)
	}
}

func TestDiagnosticsWaitAborted(t *testing.T) {
	s := newDiagnosticsStore()
	uri := DocumentURI("file:///p/silent.go")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := s.wait(ctx, uri, 1, 5*time.Second)
	if !lsperr.Is(err, lsperr.CodeAborted) {
		t.Errorf("err = %v, want EABORTED", err)
	}
}

func TestDiagnosticsSequencesPerURI(t *testing.T) {
	s := newDiagnosticsStore()
	a := DocumentURI("file:///p/a.go")
	b := DocumentURI("file:///p/b.go")

	s.publish(a, nil)
	s.publish(a, nil)
	if got := s.nextSeq(b); got != 1 {
		t.Errorf("uris must not share sequences: nextSeq(b) = %d", got)
	}
	if got := s.nextSeq(a); got != 3 {
		t.Errorf("nextSeq(a) = %d, want 3", got)
	}
}
