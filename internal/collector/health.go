package collector

import (
	"context"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/metrics"
)

// Health is unhealthy when the store fails its check and degraded while
// dead letters or disabled units exist.
func (c *Collector) Health(ctx context.Context) metrics.HealthStatus {
	status := metrics.HealthStatus{
		Status:           metrics.StatusHealthy,
		Timestamp:        c.clock.Now().UTC(),
		Checks:           map[string]string{"store": "ok"},
		DeadLetters:      c.queue.Stats().DeadLetters,
		FetchDeadLetters: len(c.scheduler.DeadLetters()),
	}
	for _, k := range c.scheduler.DisabledUnits() {
		status.DisabledUnits = append(status.DisabledUnits, k.String())
	}
	if err := c.store.HealthCheck(ctx); err != nil {
		status.Checks["store"] = err.Error()
		status.Status = metrics.StatusUnhealthy
		return status
	}
	if status.DeadLetters > 0 || status.FetchDeadLetters > 0 || len(status.DisabledUnits) > 0 {
		status.Status = metrics.StatusDegraded
	}
	return status
}

func counter(name string, v int64, desc string) metrics.Metric {
	return metrics.Metric{Name: name, Type: metrics.MetricTypeCounter, Value: float64(v), Description: desc}
}

func gauge(name string, v float64, desc string) metrics.Metric {
	return metrics.Metric{Name: name, Type: metrics.MetricTypeGauge, Value: v, Description: desc}
}

// CollectMetrics reports every component's counters. Store statistics are
// skipped, not fatal, when the store cannot answer.
func (c *Collector) CollectMetrics(ctx context.Context) ([]metrics.Metric, error) {
	ss := c.scheduler.Stats()
	qs := c.queue.Stats()
	cs := c.consolidator.Stats()
	plan, cycles := c.planner.LastResult()

	out := []metrics.Metric{
		counter("fetch_calls_total", ss.Calls, "Provider fetch calls"),
		counter("fetch_success_total", ss.Successes, "Fetches returning candles"),
		counter("fetch_exhausted_total", ss.Exhausted, "Fetches reaching the end of history"),
		counter("fetch_rate_limited_total", ss.RateLimited, "Fetches answered with a rate limit"),
		counter("fetch_transient_total", ss.Transient, "Fetches failing transiently"),
		counter("fetch_permanent_total", ss.Permanent, "Fetches failing permanently"),
		counter("fetch_dead_letters_total", ss.DeadLetters, "Fetches abandoned after retries"),
		counter("backfill_tasks_done_total", ss.BackfillDone, "Backfill tasks completed"),
		counter("queue_enqueued_total", qs.Enqueued, "Messages enqueued"),
		counter("queue_delivered_total", qs.Delivered, "Messages delivered"),
		counter("queue_redelivered_total", qs.Redelivered, "Messages delivered again after a lease expired"),
		counter("queue_acked_total", qs.Acked, "Messages acknowledged"),
		counter("queue_stale_acks_total", qs.StaleAcks, "Acks with an expired token"),
		gauge("queue_visible", float64(qs.Visible), "Messages waiting for delivery"),
		gauge("queue_in_flight", float64(qs.InFlight), "Messages leased to a consumer"),
		gauge("queue_dead_letters", float64(qs.DeadLetters), "Messages in the dead letter queue"),
		counter("consolidator_batches_total", cs.Batches, "Batches consolidated"),
		counter("consolidator_rows_total", int64(cs.Totals.Rows), "Rows written"),
		counter("consolidator_affected_total", cs.Totals.Affected, "Rows inserted or upgraded"),
		counter("consolidator_conflicts_total", int64(cs.Totals.Conflicts), "Buckets whose sources disagreed past the threshold"),
		counter("consolidator_persistence_failures_total", cs.PersistenceFailures, "Batches whose write failed"),
		gauge("consolidator_active_workers", float64(cs.Pool.ActiveWorkers), "Running consolidation workers"),
		counter("backfill_cycles_total", cycles, "Planner cycles"),
		gauge("backfill_last_gaps", float64(len(plan.Gaps)), "Gaps found by the last cycle"),
		gauge("backfill_last_enqueued", float64(plan.Enqueued), "Tasks enqueued by the last cycle"),
		gauge("coverage_series", float64(len(c.tracker.Keys())), "Series with tracked coverage"),
		gauge("scheduler_disabled_units", float64(len(c.scheduler.DisabledUnits())), "Units disabled by permanent errors"),
	}
	for _, l := range c.scheduler.Lanes() {
		out = append(out,
			gauge("lane_budget_per_minute_"+l.Provider, float64(l.Budget), "Calls per minute allowed on the lane"),
			gauge("lane_backfill_tasks_"+l.Provider, float64(l.Backfill), "Backfill tasks queued on the lane"))
	}

	if st, err := c.store.Stats(ctx); err != nil {
		c.logger.WarnContext(ctx, "store stats unavailable", "error", err)
	} else {
		out = append(out,
			gauge("store_candles", float64(st.TotalCandles), "Consolidated candles stored"),
			gauge("store_series", float64(st.TotalSeries), "Series stored"),
			counter("store_statements_total", st.Statements, "Upsert statements executed"))
	}
	return out, nil
}
