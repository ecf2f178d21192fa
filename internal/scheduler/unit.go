package scheduler

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
)

// State is the lifecycle position of a work unit.
type State string

const (
	StatePending        State = "PENDING"
	StateFetching       State = "FETCHING"
	StateRateLimited    State = "RATE_LIMITED"
	StateErrorTransient State = "ERROR_TRANSIENT"
	StateErrorPermanent State = "ERROR_PERMANENT"
	StateDisabled       State = "DISABLED"
	StateExhausted      State = "EXHAUSTED"
	StateComplete       State = "COMPLETE"
	StateIdle           State = "IDLE"
)

// UnitKey identifies a (symbol, timeframe, provider) work unit.
type UnitKey struct {
	Symbol    string
	Timeframe models.Timeframe
	Provider  string
}

func (k UnitKey) String() string {
	return fmt.Sprintf("%s/%s@%s", k.Symbol, k.Timeframe, k.Provider)
}

// Unit is a registration request. Weight <= 0 is treated as 1.
type Unit struct {
	UnitKey
	Weight int
}

// UnitStatus is a point-in-time view of a unit for health reporting.
type UnitStatus struct {
	Key       UnitKey
	State     State
	Served    int64
	Sweeping  bool
	Cursor    int64
	Attempts  int
	ReadyAt   time.Time
	LastError string
}

// BackfillTask asks one provider to re-fetch an inclusive open-time range.
type BackfillTask struct {
	Symbol    string
	Timeframe models.Timeframe
	Provider  string
	Range     models.TimeRange
}

func (t BackfillTask) key() string {
	return fmt.Sprintf("%s|%s|%s|%d|%d", t.Provider, t.Symbol, t.Timeframe, t.Range.Start, t.Range.End)
}

func (t BackfillTask) unitKey() UnitKey {
	return UnitKey{Symbol: t.Symbol, Timeframe: t.Timeframe, Provider: t.Provider}
}

// FetchDeadLetter records work abandoned after exhausting transient retries.
type FetchDeadLetter struct {
	Unit     UnitKey
	Backfill *models.TimeRange
	Attempts int
	Err      string
	At       time.Time
}

type unit struct {
	key    UnitKey
	weight int64
	order  int

	state    State
	served   int64
	readyAt  time.Time
	attempts int
	retry    *backoff.ExponentialBackOff
	lastErr  error

	// sweeping is true while the initial backward sweep is in progress;
	// cursor is the exclusive upper bound of the next page.
	sweeping     bool
	cursor       int64
	historyStart int64
	newest       int64
}

// ready reports whether u may be dispatched at now. IDLE units whose refresh
// time has come are moved back to PENDING.
func (u *unit) ready(now time.Time) bool {
	switch u.state {
	case StateIdle:
		if now.Before(u.readyAt) {
			return false
		}
		u.state = StatePending
		return true
	case StatePending, StateRateLimited, StateErrorTransient:
		return !now.Before(u.readyAt)
	default:
		return false
	}
}

// pending reports whether u still has outstanding work for a one-shot cycle.
func (u *unit) pending() bool {
	switch u.state {
	case StatePending, StateRateLimited, StateErrorTransient:
		return true
	default:
		return false
	}
}

// lessServed orders units by served/weight, then registration order.
func lessServed(a, b *unit) bool {
	l, r := a.served*b.weight, b.served*a.weight
	if l != r {
		return l < r
	}
	return a.order < b.order
}

func (u *unit) status() UnitStatus {
	st := UnitStatus{
		Key:      u.key,
		State:    u.state,
		Served:   u.served,
		Sweeping: u.sweeping,
		Cursor:   u.cursor,
		Attempts: u.attempts,
		ReadyAt:  u.readyAt,
	}
	if u.lastErr != nil {
		st.LastError = u.lastErr.Error()
	}
	return st
}

type task struct {
	BackfillTask
	cursor   int64
	readyAt  time.Time
	attempts int
	retry    *backoff.ExponentialBackOff
}
