package beat

import (
	"time"

	"github.com/zerafachris/onyx-cz-sub000/models"
	"github.com/zerafachris/onyx-cz-sub000/store"
)

// IndexDecision is the outcome of the should-index check for one
// (ccpair, search settings) combination.
type IndexDecision struct {
	Index         bool
	FromBeginning bool
	Reason        string
}

func no(reason string) IndexDecision  { return IndexDecision{Reason: reason} }
func yes(reason string) IndexDecision { return IndexDecision{Index: true, Reason: reason} }

// shouldIndex decides whether a new attempt is due. Pure function of its
// inputs so the full decision table is unit-testable.
func shouldIndex(pair store.CCPair, ss store.SearchSettings, last *store.IndexAttempt, secondaryBuilding bool, defaultRefresh time.Duration, now time.Time) IndexDecision {
	if pair.Status == models.CCPairDeleting {
		return no("ccpair is being deleted")
	}

	// A future index generation is backfilled once per pair, always from the
	// beginning, regardless of refresh schedules.
	if ss.Status == models.SettingsFuture {
		if pair.Status != models.CCPairActive {
			return no("pair not active, skipping secondary backfill")
		}
		if last == nil {
			d := yes("secondary index backfill")
			d.FromBeginning = true
			return d
		}
		if !last.Status.IsTerminal() {
			return no("secondary backfill already running")
		}
		if last.Status.IsSuccessful() {
			return no("secondary backfill already complete")
		}
		d := yes("retrying failed secondary backfill")
		d.FromBeginning = true
		return d
	}

	// Operator triggers override pause and error state on the live index.
	if pair.IndexingTrigger != models.TriggerNone {
		if last != nil && !last.Status.IsTerminal() {
			return no("attempt already running")
		}
		return yes("manual trigger")
	}

	if pair.Status == models.CCPairPaused {
		return no("ccpair is paused")
	}
	if pair.InRepeatedErrorState {
		return no("ccpair is in repeated error state")
	}

	if last == nil {
		return yes("never indexed")
	}
	if !last.Status.IsTerminal() {
		return no("attempt already running")
	}
	if !last.Status.IsSuccessful() {
		return yes("retrying failed attempt")
	}

	// Refresh-driven reindexing waits while a new index generation is being
	// backfilled; the swap would discard the work anyway.
	if secondaryBuilding {
		return no("secondary index building, deferring refresh")
	}

	if pair.LastSuccessfulIndexTime == nil {
		return yes("no successful index recorded")
	}
	if now.Sub(*pair.LastSuccessfulIndexTime) >= pair.RefreshFrequency(defaultRefresh) {
		return yes("refresh due")
	}
	return no("not due yet")
}
