package dimcard

import (
	"context"
	"log"
)

// Session phases. Error is reachable from Identifying, PlanSelection and
// StepExecution; Idle is reachable from anywhere via card removal.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseIdentifying
	PhasePlanSelection
	PhaseStepExecution
	PhaseCompleted
	PhaseError
)

var phaseNames = map[Phase]string{
	PhaseIdle:          "Idle",
	PhaseIdentifying:   "Identifying",
	PhasePlanSelection: "PlanSelection",
	PhaseStepExecution: "StepExecution",
	PhaseCompleted:     "Completed",
	PhaseError:         "Error",
}

func (p Phase) String() string {
	return phaseNames[p]
}

// Session is the transient state of one card-present interval. Constructed
// on the insertion edge, discarded when the engine returns to idle.
type Session struct {
	Phase     Phase
	Identity  *CardIdentity
	Plan      *Plan
	StepIndex int
	Err       *CardError
}

// Engine drives one full modification session: identify, select a plan,
// execute the remaining steps with checksum gating, persist progress after
// each commit. One engine, one card, one session at a time.
type Engine struct {
	Flash  Flash
	Plans  *PlanRegistry
	Bridge *IndicatorBridge // optional
}

func NewEngine(f Flash, plans *PlanRegistry) *Engine {
	return &Engine{Flash: f, Plans: plans}
}

func (e *Engine) enter(sess *Session, phase Phase) {
	sess.Phase = phase
	log.Printf("Session phase: %s", phase)
	if e.Bridge != nil {
		e.Bridge.Reflect(sess)
	}
}

func (e *Engine) fail(sess *Session, err error) *Session {
	sess.Err = asCardError(err)
	e.enter(sess, PhaseError)
	log.Printf("Session failed: %s", sess.Err)
	return sess
}

// Card removal is the only cancellation primitive; the context is cancelled
// on the removal edge and checked at every wait point.
func (e *Engine) removed(ctx context.Context, sess *Session) bool {
	if ctx.Err() == nil {
		return false
	}
	sess.Err = nil
	e.enter(sess, PhaseIdle)
	log.Printf("Card removed, session abandoned")
	return true
}

// Run one session from detection to completion, terminal error, or removal.
// The returned session ends in Completed, Error, or Idle (removed).
func (e *Engine) RunSession(ctx context.Context) *Session {
	sess := &Session{}
	log.Printf("Starting process")

	e.enter(sess, PhaseIdentifying)
	if e.removed(ctx, sess) {
		return sess
	}
	identity, err := Classify(e.Flash)
	if err != nil {
		if e.removed(ctx, sess) {
			return sess
		}
		return e.fail(sess, err)
	}
	sess.Identity = identity
	log.Printf("Card identified: family=%s version=%d chip=%s serial=%s",
		identity.Family, identity.Version, identity.Jedec, identity.SerialString())

	e.enter(sess, PhasePlanSelection)
	if e.removed(ctx, sess) {
		return sess
	}
	plan, err := e.Plans.Select(e.Flash, identity)
	if err != nil {
		if e.removed(ctx, sess) {
			return sess
		}
		return e.fail(sess, err)
	}
	sess.Plan = plan

	store := NewProgressStore(e.Flash, plan.ProgressOffset)
	start, err := e.resumeIndex(sess, store)
	if err != nil {
		if e.removed(ctx, sess) {
			return sess
		}
		return e.fail(sess, err)
	}

	e.enter(sess, PhaseStepExecution)
	if plan.ManageProtection {
		if err := e.Flash.SetProtection(false); err != nil {
			if e.removed(ctx, sess) {
				return sess
			}
			return e.fail(sess, err)
		}
		// Restoring protection is best effort; the modification itself is
		// already safe at this point.
		defer func() {
			if sess.Phase == PhaseCompleted || sess.Phase == PhaseError {
				if err := e.Flash.SetProtection(true); err != nil {
					log.Printf("Couldn't restore block protection: %s", err)
				}
			}
		}()
	}

	for i := start; i < len(plan.Steps); i++ {
		sess.StepIndex = i
		if e.removed(ctx, sess) {
			return sess
		}
		if err := e.runStep(sess, store, i); err != nil {
			if e.removed(ctx, sess) {
				return sess
			}
			return e.fail(sess, err)
		}
	}

	e.enter(sess, PhaseCompleted)
	log.Printf("Process complete")
	return sess
}

// Decide where the step loop starts: 0 for a fresh card, after the last
// committed step when resuming, and a hard refusal when the record belongs
// to a different physical card.
func (e *Engine) resumeIndex(sess *Session, store *ProgressStore) (int, error) {
	record, err := store.Load()
	if err != nil {
		return 0, err
	}
	if record == nil {
		return 0, nil
	}
	if record.Serial != sess.Identity.Serial {
		return 0, cardErrorf(ErrCardIdentityMismatch,
			"progress record owned by another card (record %x, inserted %s)",
			record.Serial, sess.Identity.SerialString())
	}
	if record.Plan != sess.Plan.ID {
		// Same card, different plan: the record is stale, not hostile.
		// Precondition gating makes a fresh start safe.
		log.Printf("Ignoring progress record for plan %s (current plan %s)", record.Plan, sess.Plan.ID)
		return 0, nil
	}
	idx := int(record.StepIndex)
	if idx >= len(sess.Plan.Steps) {
		return 0, cardErrorf(ErrChecksumMismatch,
			"progress record step %d out of range for plan %s", idx, sess.Plan.ID)
	}
	// Cross-check the stored snapshot against live content before trusting
	// the record. The committed step's region must still hold its
	// postcondition state.
	committed := sess.Plan.Steps[idx]
	live, err := ChecksumRegion(e.Flash, committed.Offset, committed.Length)
	if err != nil {
		return 0, err
	}
	if live != record.Checksum || live != committed.Post {
		return 0, cardErrorf(ErrChecksumMismatch,
			"progress record for step %d does not match card contents", idx)
	}
	log.Printf("Resuming plan %s at step %d", sess.Plan.ID, idx+1)
	return idx + 1, nil
}

// Execute one step with the write-before-commit ordering that makes resume
// idempotent: on re-entry the region is either untouched (precondition
// matches, run it) or fully written (postcondition matches, skip it).
func (e *Engine) runStep(sess *Session, store *ProgressStore, index int) error {
	step := &sess.Plan.Steps[index]
	live, err := ChecksumRegion(e.Flash, step.Offset, step.Length)
	if err != nil {
		return err
	}

	if live == step.Post {
		// Already applied: a prior run wrote the data but died before the
		// progress commit. Skip the write, still commit.
		log.Printf("Step %d already applied, skipping write", index)
	} else {
		if step.Pre != nil && live != *step.Pre {
			return cardErrorf(ErrChecksumMismatch,
				"step %d region 0x%06x matches neither precondition nor postcondition", index, step.Offset)
		}
		if err := step.apply(e.Flash); err != nil {
			return err
		}
		verify, err := ChecksumRegion(e.Flash, step.Offset, step.Length)
		if err != nil {
			return err
		}
		if verify != step.Post {
			return cardErrorf(ErrChecksumMismatch,
				"step %d read-back verification failed at 0x%06x", index, step.Offset)
		}
		log.Printf("Step %d applied at 0x%06x (%d bytes)", index, step.Offset, step.Length)
	}

	return store.Save(&ProgressRecord{
		Serial:    sess.Identity.Serial,
		Plan:      sess.Plan.ID,
		StepIndex: uint32(index),
		Checksum:  step.Post,
	})
}
