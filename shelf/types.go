// CLAUDE:SUMMARY Re-exports item, reconcile, notify, scheduler and telemetry types as the shelf public API.
// Package shelf wires the catalog client, snapshot store, reconciler,
// notifier and scheduler into the shelfwatch service, and exposes it over
// HTTP and MCP.
package shelf

import (
	"github.com/hazyhaar/shelfwatch/observability"
	"github.com/hazyhaar/shelfwatch/shelf/internal/item"
	"github.com/hazyhaar/shelfwatch/shelf/internal/lockfile"
	"github.com/hazyhaar/shelfwatch/shelf/internal/notify"
	"github.com/hazyhaar/shelfwatch/shelf/internal/reconcile"
	"github.com/hazyhaar/shelfwatch/shelf/internal/scheduler"
	"github.com/hazyhaar/shelfwatch/shelf/internal/snapshot"
)

// Re-export internal types for the public API.
type (
	Record         = item.Record
	Snapshot       = item.Snapshot
	Event          = notify.Event
	Outcome        = notify.Outcome
	Result         = reconcile.Result
	Fetcher        = reconcile.Fetcher
	FetcherFunc    = reconcile.FetcherFunc
	Store          = snapshot.Store
	SchedulerStats = scheduler.Stats
	LockOwner      = lockfile.Owner
	Metric         = observability.Metric
	AuditEntry     = observability.AuditEntry
	AuditFilter    = observability.AuditFilter
)

// Sentinels callers match with errors.Is.
var (
	ErrPersist = reconcile.ErrPersist
	ErrLocked  = lockfile.ErrLocked
	ErrTimeout = lockfile.ErrTimeout
)
