package dimcard

import (
	"context"
	"log"
	"time"
)

// Device owns the insert/run/remove loop: one session per card-present
// interval, LEDs reflecting state throughout. Single goroutine; a new
// insertion edge cannot preempt an active session by construction.
type Device struct {
	Engine      *Engine
	Presence    *PresencePoller
	Bridge      *IndicatorBridge
	SettleDelay time.Duration
}

func NewDevice(tr Transport, plans *PlanRegistry) *Device {
	bridge := NewIndicatorBridge(NewLedIndicator(tr))
	engine := NewEngine(NewSpiFlash(tr), plans)
	engine.Bridge = bridge
	return &Device{
		Engine:      engine,
		Presence:    NewPresencePoller(tr),
		Bridge:      bridge,
		SettleDelay: DefaultSettleDelay,
	}
}

// Run the device until the outer context is cancelled. Every pass waits for
// an insertion, runs one session, presents the outcome until removal, and
// returns to idle.
func (d *Device) Run(ctx context.Context) error {
	for {
		if err := d.Presence.WaitFor(ctx, true); err != nil {
			return err
		}
		log.Printf("Card inserted")
		// Wait a bit in case the card is still being inserted.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.SettleDelay):
		}

		sessCtx, cancel := d.Presence.CancelOnRemoval(ctx)
		sess := d.Engine.RunSession(sessCtx)

		if sess.Phase == PhaseError {
			// Blink the error code until the card leaves (or shutdown).
			d.Bridge.ShowError(sessCtx, sess.Err.Kind)
		}
		cancel()

		if err := d.Presence.WaitFor(ctx, false); err != nil {
			return err
		}
		log.Printf("Card removed")
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
