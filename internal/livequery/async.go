package livequery

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OperationKey identifies one client operation across the async queue:
// the WebSocket connection id plus the client-chosen operation id.
type OperationKey struct {
	WSID string
	OpID string
}

// LogFetcher returns the current action-log entry for each async action
// id. Missing entries are reported through OnError by the queue.
type LogFetcher func(ctx context.Context, actionIDs []string) (map[string]json.RawMessage, error)

// AsyncSubscriber is one registration on the async-action queue.
type AsyncSubscriber struct {
	Key       OperationKey
	ActionIDs []string

	// OnResult receives the full action-log map whenever it changes,
	// with the fetch elapsed time.
	OnResult func(logs map[string]json.RawMessage, elapsed time.Duration)

	// OnError receives fetch failures and missing-log violations.
	OnError func(err error)
}

// asyncQueue polls the action log for every registered subscriber on one
// shared loop.
type asyncQueue struct {
	fetch    LogFetcher
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	subs    map[OperationKey]*asyncEntry
	started bool

	wg  *sync.WaitGroup
	ctx context.Context
}

type asyncEntry struct {
	sub        AsyncSubscriber
	lastDigest [sha256.Size]byte
	hasDigest  bool
}

func newAsyncQueue(fetch LogFetcher, interval time.Duration, logger *zap.Logger, wg *sync.WaitGroup, ctx context.Context) *asyncQueue {
	return &asyncQueue{
		fetch:    fetch,
		interval: interval,
		logger:   logger,
		subs:     make(map[OperationKey]*asyncEntry),
		wg:       wg,
		ctx:      ctx,
	}
}

func (q *asyncQueue) add(sub AsyncSubscriber) error {
	if q.fetch == nil {
		return errors.New("async actions are not configured")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs[sub.Key] = &asyncEntry{sub: sub}
	if !q.started {
		q.started = true
		q.wg.Add(1)
		go q.loop()
	}
	return nil
}

func (q *asyncQueue) remove(key OperationKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.subs, key)
}

func (q *asyncQueue) loop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.tick()
		case <-q.ctx.Done():
			return
		}
	}
}

// tick refetches logs per subscriber and notifies those whose log map
// changed since the previous delivery.
func (q *asyncQueue) tick() {
	q.mu.Lock()
	entries := make([]*asyncEntry, 0, len(q.subs))
	for _, e := range q.subs {
		entries = append(entries, e)
	}
	q.mu.Unlock()

	for _, e := range entries {
		started := time.Now()
		logs, err := q.fetch(q.ctx, e.sub.ActionIDs)
		elapsed := time.Since(started)
		if err != nil {
			if q.ctx.Err() != nil {
				return
			}
			q.logger.Warn("async action fetch failed",
				zap.String("ws_id", e.sub.Key.WSID),
				zap.String("op_id", e.sub.Key.OpID),
				zap.Error(err))
			e.sub.OnError(err)
			continue
		}
		missing := ""
		for _, id := range e.sub.ActionIDs {
			if _, ok := logs[id]; !ok {
				missing = id
				break
			}
		}
		if missing != "" {
			e.sub.OnError(fmt.Errorf("no action log found for action %q", missing))
			continue
		}
		body, merr := json.Marshal(logs)
		if merr != nil {
			e.sub.OnError(merr)
			continue
		}
		digest := sha256.Sum256(body)
		if e.hasDigest && digest == e.lastDigest {
			continue
		}
		e.lastDigest = digest
		e.hasDigest = true
		e.sub.OnResult(logs, elapsed)
	}
}
