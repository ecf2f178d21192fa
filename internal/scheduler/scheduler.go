// Package scheduler drives provider fetches under per-provider rate limits.
//
// Each provider gets a lane: a token bucket, a pause window for upstream rate
// limiting, its live work units and a lower-priority backfill queue. Lanes
// share no lock, so a throttled provider never slows the others. Successful
// fetches are cut into queue messages and handed to a Sink.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/config"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/logger"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/provider"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Sink receives queue messages produced by successful fetches.
type Sink interface {
	Enqueue(ctx context.Context, msg models.QueueMessage) (string, error)
}

// Config tunes pacing and retry behaviour.
type Config struct {
	RateFraction         float64
	SafetyDerate         float64
	MaxTransientAttempts int
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	FetchTimeout         time.Duration
	// LiveInterval is the refresh period of an idle unit. Zero means one
	// timeframe duration.
	LiveInterval time.Duration
	HistoryDays  int
	MessageSize  int
	Tick         time.Duration
	// EmptyTTL is how long a range a provider answered with no candles is
	// reported by KnownEmpty.
	EmptyTTL time.Duration
}

// ConfigFrom converts the application scheduler section.
func ConfigFrom(c config.SchedulerConfig) Config {
	return Config{
		RateFraction:         c.RateFraction,
		SafetyDerate:         c.SafetyDerate,
		MaxTransientAttempts: c.MaxTransientAttempts,
		BackoffInitial:       c.BackoffInitial.Duration,
		BackoffMax:           c.BackoffMax.Duration,
		FetchTimeout:         c.FetchTimeout.Duration,
		LiveInterval:         c.LiveInterval.Duration,
		HistoryDays:          c.HistoryDays,
		MessageSize:          c.MessageSize,
		Tick:                 c.Tick.Duration,
		EmptyTTL:             c.EmptyTTL.Duration,
	}
}

func (c *Config) setDefaults() {
	if c.RateFraction <= 0 || c.RateFraction > 1 {
		c.RateFraction = 0.75
	}
	if c.MaxTransientAttempts <= 0 {
		c.MaxTransientAttempts = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = 30 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.MessageSize <= 0 {
		c.MessageSize = 10
	}
	if c.Tick <= 0 {
		c.Tick = 250 * time.Millisecond
	}
	if c.EmptyTTL <= 0 {
		c.EmptyTTL = 24 * time.Hour
	}
}

// Budget is the number of calls a provider may receive per 60s window.
func Budget(perMinute int, fraction, derate float64) int {
	f := fraction
	if derate > 0 {
		f *= derate
	}
	b := int(math.Floor(float64(perMinute) * f))
	if b < 1 {
		b = 1
	}
	return b
}

// Interval spaces budget calls across a minute. It is rounded up to the
// millisecond so that budget+1 calls can never fit in 60s.
func Interval(budget int) time.Duration {
	iv := time.Minute / time.Duration(budget)
	if rem := iv % time.Millisecond; rem != 0 {
		iv += time.Millisecond - rem
	}
	return iv
}

// Stats are cumulative scheduler counters.
type Stats struct {
	Calls        int64
	Successes    int64
	Exhausted    int64
	RateLimited  int64
	Transient    int64
	Permanent    int64
	Messages     int64
	DeadLetters  int64
	BackfillDone int64
}

// LaneStatus describes one provider lane.
type LaneStatus struct {
	Provider    string
	Budget      int
	Interval    time.Duration
	PausedUntil time.Time
	Backfill    int
}

type lane struct {
	adapter  provider.Adapter
	contract provider.Contract
	limiter  *rate.Limiter
	budget   int
	interval time.Duration

	mu          sync.Mutex
	pausedUntil time.Time
	pause       *backoff.ExponentialBackOff
	units       []*unit
	tasks       []*task
	taskKeys    map[string]bool
	empty       emptyRanges
}

// Scheduler owns cursors, unit state and limiter state for every lane.
type Scheduler struct {
	cfg    Config
	sink   Sink
	clock  clock.Clock
	logger *slog.Logger

	lanes map[string]*lane
	order []string

	dlMu        sync.Mutex
	deadLetters []FetchDeadLetter

	running atomic.Bool

	calls, successes, exhausted, rateLimited, transient, permanent atomic.Int64
	messages, deadLetterCount, backfillDone                       atomic.Int64
}

// New creates a scheduler with one lane per adapter.
func New(cfg Config, adapters []provider.Adapter, sink Sink, clk clock.Clock, log *slog.Logger) (*Scheduler, error) {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		cfg:    cfg,
		sink:   sink,
		clock:  clk,
		logger: log.With("component", "scheduler"),
		lanes:  make(map[string]*lane),
	}
	for _, a := range adapters {
		name := a.Name()
		if _, dup := s.lanes[name]; dup {
			return nil, fmt.Errorf("duplicate provider %q", name)
		}
		contract := a.Contract()
		budget := Budget(contract.RateLimitPerMinute, cfg.RateFraction, cfg.SafetyDerate)
		interval := Interval(budget)
		s.lanes[name] = &lane{
			adapter:  a,
			contract: contract,
			limiter:  rate.NewLimiter(rate.Every(interval), 1),
			budget:   budget,
			interval: interval,
			pause:    s.newBackoff(),
			taskKeys: make(map[string]bool),
			empty:    make(emptyRanges),
		}
		s.order = append(s.order, name)
		s.logger.Info("provider lane created", "provider", name, "budget_per_minute", budget, "interval", interval)
	}
	return s, nil
}

func (s *Scheduler) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffInitial
	b.MaxInterval = s.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Register adds a live work unit. The unit starts PENDING with a backward
// sweep back to HistoryDays before now, bounded by the provider's lookback.
func (s *Scheduler) Register(u Unit) error {
	l, ok := s.lanes[u.Provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", u.Provider)
	}
	if !u.Timeframe.IsValid() {
		return fmt.Errorf("invalid timeframe %q", u.Timeframe)
	}
	weight := int64(u.Weight)
	if weight <= 0 {
		weight = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.units {
		if existing.key == u.UnitKey {
			return fmt.Errorf("unit %s already registered", u.UnitKey)
		}
	}

	now := s.clock.Now()
	days := s.cfg.HistoryDays
	if days <= 0 || days > l.contract.MaxLookbackDays {
		days = l.contract.MaxLookbackDays
	}
	l.units = append(l.units, &unit{
		key:          u.UnitKey,
		weight:       weight,
		order:        len(l.units),
		state:        StatePending,
		readyAt:      now,
		retry:        s.newBackoff(),
		sweeping:     true,
		historyStart: u.Timeframe.AlignUp(now.Unix() - int64(days)*86400),
	})
	return nil
}

// EnqueueBackfill queues a task on its provider's lane. It returns false for
// duplicates, unknown providers and units that are disabled.
func (s *Scheduler) EnqueueBackfill(t BackfillTask) bool {
	l, ok := s.lanes[t.Provider]
	if !ok || t.Range.End < t.Range.Start {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, u := range l.units {
		if u.key == t.unitKey() && u.state == StateDisabled {
			return false
		}
	}
	k := t.key()
	if l.taskKeys[k] {
		return false
	}
	l.taskKeys[k] = true
	l.tasks = append(l.tasks, &task{
		BackfillTask: t,
		cursor:       t.Range.End + t.Timeframe.Seconds(),
		readyAt:      s.clock.Now(),
		retry:        s.newBackoff(),
	})
	return true
}

// dispatch is the work selected under the lane lock.
type dispatch struct {
	unit *unit
	task *task
	req  provider.FetchRequest
}

// Poll makes one non-blocking dispatch attempt on a provider lane. It returns
// true when a fetch was performed.
func (s *Scheduler) Poll(ctx context.Context, providerName string) (bool, error) {
	l, ok := s.lanes[providerName]
	if !ok {
		return false, fmt.Errorf("unknown provider %q", providerName)
	}
	done, _, err := s.poll(ctx, l)
	return done, err
}

// poll returns whether a fetch happened and, if not, how long until the lane
// could next have pending work to do (zero when it has none).
func (s *Scheduler) poll(ctx context.Context, l *lane) (bool, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	now := s.clock.Now()

	l.mu.Lock()
	if now.Before(l.pausedUntil) {
		wait := l.pausedUntil.Sub(now)
		if !l.hasPending() {
			wait = 0
		}
		l.mu.Unlock()
		return false, wait, nil
	}

	d, ok := s.selectWork(l, now)
	if !ok {
		wait := l.nextWake(now)
		l.mu.Unlock()
		return false, wait, nil
	}
	if !l.limiter.AllowN(now, 1) {
		r := l.limiter.ReserveN(now, 1)
		wait := r.DelayFrom(now)
		r.CancelAt(now)
		l.mu.Unlock()
		return false, max(wait, time.Millisecond), nil
	}
	if d.unit != nil {
		d.unit.state = StateFetching
	}
	l.mu.Unlock()

	s.execute(ctx, l, d)
	return true, 0, ctx.Err()
}

// selectWork picks the next live unit by weighted fairness, falling back to
// the oldest ready backfill task. Caller holds l.mu.
func (s *Scheduler) selectWork(l *lane, now time.Time) (dispatch, bool) {
	var best *unit
	for _, u := range l.units {
		if !u.ready(now) {
			continue
		}
		if best == nil || lessServed(u, best) {
			best = u
		}
	}
	if best != nil {
		req := provider.FetchRequest{
			Symbol:    best.key.Symbol,
			Timeframe: best.key.Timeframe,
			MaxPoints: l.contract.MaxCandlesPerCall,
		}
		if best.sweeping {
			req.Before = best.cursor
			req.After = best.historyStart
		} else if best.newest > 0 {
			step := best.key.Timeframe.Seconds()
			missing := (best.key.Timeframe.LastClosed(now)-best.newest)/step + 1
			req.MaxPoints = int(min(max(missing, 1), int64(l.contract.MaxCandlesPerCall)))
		}
		return dispatch{unit: best, req: req}, true
	}

	for _, t := range l.tasks {
		if now.Before(t.readyAt) {
			continue
		}
		return dispatch{task: t, req: provider.FetchRequest{
			Symbol:    t.Symbol,
			Timeframe: t.Timeframe,
			Before:    t.cursor,
			After:     t.Range.Start,
			MaxPoints: l.contract.MaxCandlesPerCall,
		}}, true
	}
	return dispatch{}, false
}

// hasPending reports outstanding one-shot work. Caller holds l.mu.
func (l *lane) hasPending() bool {
	for _, u := range l.units {
		if u.pending() {
			return true
		}
	}
	return len(l.tasks) > 0
}

// nextWake returns the delay until the earliest pending item is ready, or
// zero when nothing is pending. Caller holds l.mu.
func (l *lane) nextWake(now time.Time) time.Duration {
	var earliest time.Time
	consider := func(t time.Time) {
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	for _, u := range l.units {
		if u.pending() {
			consider(u.readyAt)
		}
	}
	for _, t := range l.tasks {
		consider(t.readyAt)
	}
	if earliest.IsZero() {
		return 0
	}
	return max(earliest.Sub(now), time.Millisecond)
}

func (s *Scheduler) execute(ctx context.Context, l *lane, d dispatch) {
	s.calls.Add(1)
	ctx = logger.WithSeries(ctx, l.contract.Name, d.req.Symbol, string(d.req.Timeframe))

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	res := l.adapter.Fetch(fetchCtx, d.req)
	cancel()

	if ctx.Err() != nil {
		l.mu.Lock()
		if d.unit != nil && d.unit.state == StateFetching {
			d.unit.state = StatePending
		}
		l.mu.Unlock()
		return
	}

	prio := models.PriorityLive
	if d.task != nil {
		prio = models.PriorityBackfill
	}
	if res.Outcome == provider.OutcomeSuccess {
		if err := s.publish(ctx, l.contract.Name, d.req, prio, res.Batch.Candles); err != nil {
			res = provider.Transient(fmt.Errorf("failed to enqueue batch: %w", err))
		}
	}

	now := s.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	switch res.Outcome {
	case provider.OutcomeSuccess:
		s.successes.Add(1)
		l.pause.Reset()
	case provider.OutcomeExhausted:
		s.exhausted.Add(1)
		l.pause.Reset()
	case provider.OutcomeRateLimited:
		s.rateLimited.Add(1)
		wait := max(res.RetryAfter, l.pause.NextBackOff())
		l.pausedUntil = now.Add(wait)
		s.logger.WarnContext(ctx, "provider rate limited, pausing lane", "pause", wait, "error", res.Err)
	case provider.OutcomeTransient:
		s.transient.Add(1)
	case provider.OutcomePermanent:
		s.permanent.Add(1)
	}

	if d.unit != nil {
		s.settleUnit(ctx, l, d.unit, res, now)
	} else {
		s.settleTask(ctx, l, d.task, res, now)
	}
}

func (s *Scheduler) publish(ctx context.Context, providerName string, req provider.FetchRequest, prio models.Priority, candles []models.Candle) error {
	msgs := models.SplitMessages(req.Symbol, req.Timeframe, providerName, prio, candles, s.cfg.MessageSize, s.clock.Now())
	for _, m := range msgs {
		if _, err := s.sink.Enqueue(ctx, m); err != nil {
			return err
		}
		s.messages.Add(1)
	}
	s.logger.DebugContext(ctx, "batch enqueued", "candles", len(candles), "messages", len(msgs), "priority", prio)
	return nil
}

// settleUnit applies a fetch result to a live unit. Caller holds l.mu.
func (s *Scheduler) settleUnit(ctx context.Context, l *lane, u *unit, res provider.Result, now time.Time) {
	idle := func() {
		u.state = StateIdle
		u.readyAt = now.Add(s.liveInterval(u.key.Timeframe))
	}
	if u.sweeping || res.Outcome == provider.OutcomeSuccess {
		hi := u.key.Timeframe.LastClosed(now)
		if u.sweeping && u.cursor > 0 {
			hi = u.cursor - u.key.Timeframe.Seconds()
		}
		l.noteFetched(u.key, res, u.historyStart, hi, now)
	}

	switch res.Outcome {
	case provider.OutcomeSuccess:
		u.served++
		u.attempts = 0
		u.lastErr = nil
		u.retry.Reset()
		if n := len(res.Batch.Candles); n > 0 {
			u.newest = max(u.newest, res.Batch.Candles[n-1].OpenTime)
		}
		if u.sweeping {
			u.cursor = res.Batch.NextCursor
			if res.Batch.Done || u.cursor <= u.historyStart {
				u.sweeping = false
				u.state = StateComplete
				s.logger.InfoContext(ctx, "initial sweep complete", "newest", u.newest)
				idle()
				return
			}
			u.state = StatePending
			u.readyAt = now
			return
		}
		u.state = StateComplete
		idle()

	case provider.OutcomeExhausted:
		u.state = StateExhausted
		u.sweeping = false
		idle()

	case provider.OutcomeRateLimited:
		u.state = StateRateLimited
		u.readyAt = l.pausedUntil

	case provider.OutcomeTransient:
		u.attempts++
		u.lastErr = res.Err
		if u.attempts >= s.cfg.MaxTransientAttempts {
			s.deadLetter(ctx, FetchDeadLetter{Unit: u.key, Attempts: u.attempts, Err: errString(res.Err), At: now})
			u.attempts = 0
			u.retry.Reset()
			idle()
			return
		}
		u.state = StateErrorTransient
		u.readyAt = now.Add(u.retry.NextBackOff())
		s.logger.WarnContext(ctx, "transient fetch failure", "attempt", u.attempts, "retry_at", u.readyAt, "error", res.Err)

	case provider.OutcomePermanent:
		u.state = StateErrorPermanent
		u.lastErr = res.Err
		s.logger.ErrorContext(ctx, "permanent fetch failure, disabling unit", "error", res.Err)
		u.state = StateDisabled
		l.dropTasks(u.key)
	}
}

// settleTask applies a fetch result to a backfill task. Caller holds l.mu.
func (s *Scheduler) settleTask(ctx context.Context, l *lane, t *task, res provider.Result, now time.Time) {
	l.noteFetched(t.unitKey(), res, t.Range.Start, t.cursor-t.Timeframe.Seconds(), now)

	switch res.Outcome {
	case provider.OutcomeSuccess:
		t.attempts = 0
		t.retry.Reset()
		t.cursor = res.Batch.NextCursor
		if res.Batch.Done || t.cursor <= t.Range.Start {
			l.removeTask(t)
			s.backfillDone.Add(1)
			return
		}
		t.readyAt = now

	case provider.OutcomeExhausted:
		l.removeTask(t)
		s.backfillDone.Add(1)

	case provider.OutcomeRateLimited:
		t.readyAt = l.pausedUntil

	case provider.OutcomeTransient:
		t.attempts++
		if t.attempts >= s.cfg.MaxTransientAttempts {
			r := t.Range
			s.deadLetter(ctx, FetchDeadLetter{Unit: t.unitKey(), Backfill: &r, Attempts: t.attempts, Err: errString(res.Err), At: now})
			l.removeTask(t)
			return
		}
		t.readyAt = now.Add(t.retry.NextBackOff())

	case provider.OutcomePermanent:
		s.logger.ErrorContext(ctx, "permanent backfill failure, disabling unit", "range", t.Range.String(), "error", res.Err)
		for _, u := range l.units {
			if u.key == t.unitKey() {
				u.state = StateDisabled
				u.lastErr = res.Err
			}
		}
		l.dropTasks(t.unitKey())
	}
}

func (l *lane) removeTask(t *task) {
	for i, x := range l.tasks {
		if x == t {
			l.tasks = append(l.tasks[:i], l.tasks[i+1:]...)
			break
		}
	}
	delete(l.taskKeys, t.key())
}

func (l *lane) dropTasks(k UnitKey) {
	kept := l.tasks[:0]
	for _, t := range l.tasks {
		if t.unitKey() == k {
			delete(l.taskKeys, t.key())
			continue
		}
		kept = append(kept, t)
	}
	l.tasks = kept
}

func (s *Scheduler) deadLetter(ctx context.Context, dl FetchDeadLetter) {
	s.deadLetterCount.Add(1)
	s.dlMu.Lock()
	s.deadLetters = append(s.deadLetters, dl)
	s.dlMu.Unlock()
	s.logger.ErrorContext(ctx, "fetch dead-lettered after transient retries",
		"unit", dl.Unit.String(), "attempts", dl.Attempts, "error", dl.Err)
}

func (s *Scheduler) liveInterval(tf models.Timeframe) time.Duration {
	if s.cfg.LiveInterval > 0 {
		return s.cfg.LiveInterval
	}
	return tf.Duration()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Run drives every lane in its own goroutine until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler is already running")
	}
	defer s.running.Store(false)

	s.logger.InfoContext(ctx, "scheduler started", "lanes", len(s.order), "tick", s.cfg.Tick)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range s.order {
		l := s.lanes[name]
		g.Go(func() error { return s.runLane(gctx, l) })
	}
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Scheduler) runLane(ctx context.Context, l *lane) error {
	ticker := s.clock.Ticker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		for {
			did, _, err := s.poll(ctx, l)
			if err != nil {
				return err
			}
			if !did {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce runs lanes in parallel until every registered unit and queued
// backfill task has settled into IDLE, DISABLED or completion.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range s.order {
		l := s.lanes[name]
		g.Go(func() error {
			for {
				did, wait, err := s.poll(gctx, l)
				if err != nil {
					return err
				}
				if did {
					continue
				}
				if wait == 0 {
					return nil
				}
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-s.clock.After(wait):
				}
			}
		})
	}
	return g.Wait()
}

// Snapshot returns the state of every unit, ordered by provider then
// registration.
func (s *Scheduler) Snapshot() []UnitStatus {
	var out []UnitStatus
	for _, name := range s.order {
		l := s.lanes[name]
		l.mu.Lock()
		for _, u := range l.units {
			out = append(out, u.status())
		}
		l.mu.Unlock()
	}
	return out
}

// DisabledUnits lists units that hit a permanent failure.
func (s *Scheduler) DisabledUnits() []UnitKey {
	var out []UnitKey
	for _, st := range s.Snapshot() {
		if st.State == StateDisabled {
			out = append(out, st.Key)
		}
	}
	return out
}

// DeadLetters lists fetches abandoned after exhausting transient retries.
func (s *Scheduler) DeadLetters() []FetchDeadLetter {
	s.dlMu.Lock()
	defer s.dlMu.Unlock()
	out := make([]FetchDeadLetter, len(s.deadLetters))
	copy(out, s.deadLetters)
	return out
}

// Candidate is a provider able to serve a (symbol, timeframe) series.
type Candidate struct {
	Provider string
	Contract provider.Contract
}

// Candidates lists the providers with a registered, non-disabled unit for
// the series, in lane order.
func (s *Scheduler) Candidates(symbol string, tf models.Timeframe) []Candidate {
	var out []Candidate
	for _, name := range s.order {
		l := s.lanes[name]
		l.mu.Lock()
		for _, u := range l.units {
			if u.key.Symbol == symbol && u.key.Timeframe == tf && u.state != StateDisabled {
				out = append(out, Candidate{Provider: name, Contract: l.contract})
				break
			}
		}
		l.mu.Unlock()
	}
	return out
}

// Lanes reports per-provider pacing.
func (s *Scheduler) Lanes() []LaneStatus {
	out := make([]LaneStatus, 0, len(s.order))
	for _, name := range s.order {
		l := s.lanes[name]
		l.mu.Lock()
		out = append(out, LaneStatus{
			Provider:    name,
			Budget:      l.budget,
			Interval:    l.interval,
			PausedUntil: l.pausedUntil,
			Backfill:    len(l.tasks),
		})
		l.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Stats returns cumulative counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Calls:        s.calls.Load(),
		Successes:    s.successes.Load(),
		Exhausted:    s.exhausted.Load(),
		RateLimited:  s.rateLimited.Load(),
		Transient:    s.transient.Load(),
		Permanent:    s.permanent.Load(),
		Messages:     s.messages.Load(),
		DeadLetters:  s.deadLetterCount.Load(),
		BackfillDone: s.backfillDone.Load(),
	}
}
