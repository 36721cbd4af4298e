/*
Package scheduler decides when each dataset's next snapshot is due and
triggers creation through the manager.

Due times are computed as anchor + k*interval. Intervals missed while
the process was down are handled by the dataset's catch-up policy:
FireOnce (the default) creates a single snapshot and resynchronizes the
schedule to now, FireAll creates one snapshot per missed interval,
oldest first. A failed creation leaves the due time untouched so the
next tick retries.
*/
package scheduler
