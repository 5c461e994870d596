package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionGauge(t *testing.T) {
	r := New()
	r.ConnectionOpened()
	r.ConnectionOpened()
	assert.Equal(t, int64(2), r.ActiveConnections())

	r.ConnectionClosed()
	assert.Equal(t, int64(1), r.ActiveConnections())

	snap := r.Snapshot()
	assert.Equal(t, int64(1), snap.ActiveConnections)
	assert.Equal(t, int64(2), snap.TotalConnections)
}

func TestSnapshotCounters(t *testing.T) {
	r := New()
	r.OperationStarted()
	r.MessageSent()
	r.MessageSent()
	r.CacheHit()
	r.CacheMiss()

	snap := r.Snapshot()
	assert.Equal(t, int64(1), snap.TotalOperations)
	assert.Equal(t, int64(2), snap.TotalMessages)
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(1), snap.CacheMisses)
}
