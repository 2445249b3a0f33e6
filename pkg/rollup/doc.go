/*
Package rollup maintains multi-resolution OEE buckets for every machine.

# Tiers

Raw facts are turned into OEE records at the finest tier, and every coarser
tier folds the finished buckets of the tier below it:

	┌─────────────────────────────────────────────────────────────┐
	│ 1m buckets (from facts, lag 2m)                             │
	│ • Calculated from state events and production counts        │
	│ • Example: "Was press-1 running at 10:42?"                  │
	└─────────────────────────────────────────────────────────────┘
	                      ↓ fold 5 buckets
	┌─────────────────────────────────────────────────────────────┐
	│ 5m buckets (lag 5m)                                         │
	└─────────────────────────────────────────────────────────────┘
	                      ↓ fold 12 buckets
	┌─────────────────────────────────────────────────────────────┐
	│ 1h buckets (lag 15m)                                        │
	└─────────────────────────────────────────────────────────────┘
	                      ↓ fold 24 buckets
	┌─────────────────────────────────────────────────────────────┐
	│ 1d buckets (lag 1h, UTC days)                               │
	└─────────────────────────────────────────────────────────────┘

The shift tier sits beside the ladder: one bucket per shift instance,
computed from facts with the shift's planned time net of breaks.

# Folding

A coarse bucket is not the average of its children. Folding sums the
additive parts (planned, operating and net operating minutes, unit counts,
losses) and derives the ratios from the sums:

	availability = Σ operating / Σ planned
	performance  = Σ net operating / Σ operating
	quality      = Σ good / Σ total

so each child weighs in proportion to the time or units it covers. A child
that only saw half an hour of a shift counts half as much.

# Refresh Timing

A bucket is computed for the first time once the clock passes its end plus
the tier lag. It is never final: a fact that lands in an already computed
bucket marks it stale at every tier, and the next pass recomputes it. A
coarse bucket whose children are stale or not yet computed is deferred until
they are.

Example timeline for a DOWN event at 10:00 received at 11:30:
  - 10:17: 1h bucket 09:00-10:00 computed
  - 11:30: event appended, flagged late
  - 11:30: 1m, 5m, 1h and 1d buckets from 10:00 on marked stale
  - next 1m pass: 1m buckets recomputed
  - next 1h pass: 10:00 bucket recomputed from the refreshed 5m buckets
  - next 1d pass: day bucket recomputed

# Idempotency

Recomputing a bucket from unchanged inputs yields byte-identical output, so
a crashed or duplicated pass is harmless. The same bucket is never computed
twice at once; a second trigger is skipped rather than queued.

# Error Handling

A bucket that fails keeps its previous value. The failure is logged and the
bucket retried on the next pass:

	stats, err := engine.Refresh(ctx, "1h")
	if err != nil {
	    // the context ended; unfinished buckets are picked up next pass
	}
	if stats.Failed > 0 {
	    // see the logs for RecomputeFailure entries
	}

# See Also

  - pkg/oee for the calculation and Fold
  - pkg/lifecycle for compression and retention of old buckets
*/
package rollup
