package dimcard

import (
	"context"
	"time"
)

const (
	DefaultPollInterval   = 50 * time.Millisecond
	DefaultDebounceWindow = 20 * time.Millisecond
	// Grace period after the insertion edge, in case the card is still
	// being seated.
	DefaultSettleDelay = 200 * time.Millisecond
)

// Detector samples the card-present line. BridgeTransport satisfies this.
type Detector interface {
	CardDetect() (bool, error)
}

// Debouncer turns raw presence samples into stable levels: a level change
// is only reported once the new level has held for the whole window.
type Debouncer struct {
	Window time.Duration

	initialized bool
	stable      bool
	candidate   bool
	since       time.Time
}

// Feed one sample taken at the given time. Returns the debounced level and
// whether this sample confirmed an edge.
func (d *Debouncer) Sample(level bool, now time.Time) (state bool, edge bool) {
	if !d.initialized {
		d.initialized = true
		d.stable = level
		d.candidate = level
		d.since = now
		return d.stable, false
	}
	if level != d.candidate {
		d.candidate = level
		d.since = now
		return d.stable, false
	}
	if d.candidate != d.stable && now.Sub(d.since) >= d.Window {
		d.stable = d.candidate
		return d.stable, true
	}
	return d.stable, false
}

// PresencePoller polls a Detector and exposes debounced waits. Transport
// faults while polling are treated as "card absent": a reader that stopped
// answering has no card we can trust.
type PresencePoller struct {
	Detector Detector
	Interval time.Duration
	Window   time.Duration
}

func NewPresencePoller(det Detector) *PresencePoller {
	return &PresencePoller{
		Detector: det,
		Interval: DefaultPollInterval,
		Window:   DefaultDebounceWindow,
	}
}

// Block until the debounced presence level equals want, or the context is
// cancelled.
func (p *PresencePoller) WaitFor(ctx context.Context, want bool) error {
	deb := Debouncer{Window: p.Window}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		level, err := p.Detector.CardDetect()
		if err != nil {
			level = false
		}
		state, _ := deb.Sample(level, time.Now())
		if state == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel the returned context when the card leaves the slot. Used to turn
// removal into the engine's unconditional interrupt.
func (p *PresencePoller) CancelOnRemoval(ctx context.Context) (context.Context, context.CancelFunc) {
	sessCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		_ = p.WaitFor(sessCtx, false)
	}()
	return sessCtx, cancel
}
