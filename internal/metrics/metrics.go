// Package metrics tracks gateway transport counters with atomics. The
// active-connection gauge moves on accept and close; totals only grow.
package metrics

import "sync/atomic"

// Registry holds the process-wide transport metrics.
type Registry struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	totalOperations   atomic.Int64
	totalMessages     atomic.Int64
	cacheHits         atomic.Int64
	cacheMisses       atomic.Int64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// ConnectionOpened increments the active gauge and the running total.
func (r *Registry) ConnectionOpened() {
	r.activeConnections.Add(1)
	r.totalConnections.Add(1)
}

// ConnectionClosed decrements the active gauge.
func (r *Registry) ConnectionClosed() {
	r.activeConnections.Add(-1)
}

// OperationStarted counts one accepted start.
func (r *Registry) OperationStarted() {
	r.totalOperations.Add(1)
}

// MessageSent counts one outbound frame.
func (r *Registry) MessageSent() {
	r.totalMessages.Add(1)
}

// CacheHit counts a query-result cache hit.
func (r *Registry) CacheHit() {
	r.cacheHits.Add(1)
}

// CacheMiss counts a query-result cache miss.
func (r *Registry) CacheMiss() {
	r.cacheMisses.Add(1)
}

// ActiveConnections returns the current gauge value.
func (r *Registry) ActiveConnections() int64 {
	return r.activeConnections.Load()
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	TotalOperations   int64 `json:"total_operations"`
	TotalMessages     int64 `json:"total_messages"`
	CacheHits         int64 `json:"cache_hits"`
	CacheMisses       int64 `json:"cache_misses"`
}

// Snapshot returns a copy of the current counters.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		ActiveConnections: r.activeConnections.Load(),
		TotalConnections:  r.totalConnections.Load(),
		TotalOperations:   r.totalOperations.Load(),
		TotalMessages:     r.totalMessages.Load(),
		CacheHits:         r.cacheHits.Load(),
		CacheMisses:       r.cacheMisses.Load(),
	}
}
