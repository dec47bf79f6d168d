package dimcard

import (
	"context"
	"log"
	"time"
)

const (
	LedBlinkTime  = 250 * time.Millisecond
	blinkHoldTime = time.Second
)

// Indicator is the status LED contract: a steady state plus a counted
// blink. The power LED is owned outside the core entirely.
type Indicator interface {
	SetStatus(on bool) error
	Blink(count int) error
}

// IndicatorBridge is the pure mapping from session state to indicator
// presentation. It holds no engine state and cannot alter the session.
type IndicatorBridge struct {
	ind Indicator
}

func NewIndicatorBridge(ind Indicator) *IndicatorBridge {
	return &IndicatorBridge{ind: ind}
}

// Reflect the session phase: busy phases light the status LED, idle and
// completed turn it off. Indicator failures are logged, never propagated;
// presentation must not be able to fail a session.
func (b *IndicatorBridge) Reflect(sess *Session) {
	busy := false
	switch sess.Phase {
	case PhaseIdentifying, PhasePlanSelection, PhaseStepExecution:
		busy = true
	}
	if err := b.ind.SetStatus(busy); err != nil {
		log.Printf("Indicator update failed: %s", err)
	}
}

// Repeat the error blink pattern (kind-code pulses, hold off, repeat) until
// the context is cancelled by card removal.
func (b *IndicatorBridge) ShowError(ctx context.Context, kind ErrorKind) {
	count := BlinkCount(kind)
	for ctx.Err() == nil {
		if err := b.ind.Blink(count); err != nil {
			log.Printf("Indicator blink failed: %s", err)
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(blinkHoldTime):
		}
	}
}

// LedIndicator drives the bridge status LED. The power LED bit stays set on
// every command; the bridge hardware keeps it lit regardless.
type LedIndicator struct {
	tr Transport
}

func NewLedIndicator(tr Transport) *LedIndicator {
	return &LedIndicator{tr: tr}
}

func (l *LedIndicator) SetStatus(on bool) error {
	bits := LedPower
	if on {
		bits |= LedStatus
	}
	return l.tr.SetLed(bits)
}

func (l *LedIndicator) Blink(count int) error {
	for i := 0; i < count; i++ {
		if err := l.tr.SetLed(LedPower | LedStatus); err != nil {
			return err
		}
		time.Sleep(LedBlinkTime)
		if err := l.tr.SetLed(LedPower); err != nil {
			return err
		}
		time.Sleep(LedBlinkTime)
	}
	return nil
}

// LogIndicator is the no-hardware fallback: presentation goes to the
// diagnostic log only.
type LogIndicator struct{}

func (LogIndicator) SetStatus(on bool) error {
	log.Printf("Status indicator: %v", on)
	return nil
}

func (LogIndicator) Blink(count int) error {
	log.Printf("Status indicator: blink %d", count)
	return nil
}
