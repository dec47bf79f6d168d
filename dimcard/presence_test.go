package dimcard

import (
	"context"
	"testing"
	"time"
)

func TestDebouncer_InitialSample(t *testing.T) {
	deb := Debouncer{Window: DefaultDebounceWindow}
	now := time.Now()
	state, edge := deb.Sample(true, now)
	if !state || edge {
		t.Fatal("First sample must set the level without an edge")
	}
}

func TestDebouncer_GlitchSuppressed(t *testing.T) {
	deb := Debouncer{Window: 20 * time.Millisecond}
	now := time.Now()
	deb.Sample(false, now)
	// Short bounce inside the window must not flip the stable level.
	state, edge := deb.Sample(true, now.Add(5*time.Millisecond))
	if state || edge {
		t.Fatal("Bounce should not be reported")
	}
	state, edge = deb.Sample(false, now.Add(10*time.Millisecond))
	if state || edge {
		t.Fatal("Return to the stable level should not be an edge")
	}
	state, edge = deb.Sample(false, now.Add(100*time.Millisecond))
	if state || edge {
		t.Fatal("Stable level must stay put")
	}
}

func TestDebouncer_EdgeAfterWindow(t *testing.T) {
	deb := Debouncer{Window: 20 * time.Millisecond}
	now := time.Now()
	deb.Sample(false, now)
	deb.Sample(true, now.Add(5*time.Millisecond))
	state, edge := deb.Sample(true, now.Add(30*time.Millisecond))
	if !state || !edge {
		t.Fatal("Held level past the window must confirm the edge")
	}
	// Once confirmed, further samples at the new level are not edges.
	state, edge = deb.Sample(true, now.Add(50*time.Millisecond))
	if !state || edge {
		t.Fatal("Edge must only be reported once")
	}
}

// Scripted detector: plays back a fixed sequence of levels, repeating the
// last one forever.
type scriptedDetector struct {
	levels []bool
	index  int
	faults int
}

func (s *scriptedDetector) CardDetect() (bool, error) {
	if s.faults > 0 {
		s.faults--
		return false, context.DeadlineExceeded
	}
	level := s.levels[s.index]
	if s.index < len(s.levels)-1 {
		s.index++
	}
	return level, nil
}

func fastPoller(det Detector) *PresencePoller {
	return &PresencePoller{
		Detector: det,
		Interval: time.Millisecond,
		Window:   2 * time.Millisecond,
	}
}

func TestPresencePoller_WaitForInsertion(t *testing.T) {
	det := &scriptedDetector{levels: []bool{false, false, true}}
	poller := fastPoller(det)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := poller.WaitFor(ctx, true); err != nil {
		t.Fatalf("WaitFor failed: %s", err)
	}
}

func TestPresencePoller_FaultReadsAbsent(t *testing.T) {
	// A faulting detector means no trustworthy card: waiting for absence
	// must succeed immediately.
	det := &scriptedDetector{levels: []bool{true}, faults: 5}
	poller := fastPoller(det)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := poller.WaitFor(ctx, false); err != nil {
		t.Fatalf("WaitFor failed: %s", err)
	}
}

func TestPresencePoller_CancelStopsWait(t *testing.T) {
	det := &scriptedDetector{levels: []bool{false}}
	poller := fastPoller(det)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- poller.WaitFor(ctx, true)
	}()
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Expected a cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not honor cancellation")
	}
}

func TestPresencePoller_CancelOnRemoval(t *testing.T) {
	det := &scriptedDetector{levels: []bool{true, true, true, false}}
	poller := fastPoller(det)
	sessCtx, cancel := poller.CancelOnRemoval(context.Background())
	defer cancel()
	select {
	case <-sessCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("Session context not cancelled on removal")
	}
}
