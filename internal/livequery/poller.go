// Package livequery owns long-poll subscriptions. The transport registers
// a subscription per client operation; identical plans (same source and
// parameterised query hash) share one cohort, which refetches on an
// interval and fans the result out to every subscriber's onChange
// callback. Fan-out rides a Watermill gochannel pub/sub.
package livequery

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"gateway/internal/plan"
)

// ID uniquely identifies one registered live query.
type ID = ulid.ULID

// Result is one push delivered to a subscriber. Err is non-nil for a
// failed poll; the subscription stays registered either way.
type Result struct {
	Data     json.RawMessage
	Err      error
	ExecTime time.Duration
}

// OnChange receives every push for one subscriber. Implementations must
// not block; the transport's outbound queue absorbs delivery.
type OnChange func(Result)

// Subscriber is one registration, matching the transport's addLiveQuery
// call shape.
type Subscriber struct {
	// Metadata labels the subscriber in logs (ws id, operation id).
	Metadata map[string]string

	Source        plan.SourceConfig
	PlanHash      string
	OperationName string
	RequestID     string
	Query         *plan.LiveQuery
	OnChange      OnChange
}

// Poller is the live-query interface the transport depends on.
type Poller interface {
	Add(ctx context.Context, sub Subscriber) (ID, error)
	Remove(id ID) error
	AddAsyncAction(ctx context.Context, sub AsyncSubscriber) error
	RemoveAsyncAction(key OperationKey)
}

// Executor runs one backend live query. Injected so the poller stays
// decoupled from the SQL transports.
type Executor func(ctx context.Context, q *plan.LiveQuery) (json.RawMessage, error)

// Errors returned by the in-process poller.
var (
	ErrPollerClosed        = errors.New("poller is closed")
	ErrSubscriberNotFound  = errors.New("no live query registered under this id")
)

// Options configures the in-process poller.
type Options struct {
	// Interval between refetches of one cohort.
	Interval time.Duration

	// BatchBuffer sizes the internal pub/sub output buffer.
	BatchBuffer int

	Logger *zap.Logger
}

// InProcessPoller is the reference Poller: per-cohort refetch loops with
// digest-based dedup, result fan-out over a gochannel pub/sub, and an
// async-action queue.
type InProcessPoller struct {
	exec     Executor
	interval time.Duration
	logger   *zap.Logger
	pubsub   *gochannel.GoChannel

	mu      sync.Mutex
	cohorts map[string]*cohort
	subs    map[ID]*subscription
	closed  bool

	async *asyncQueue

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type subscription struct {
	sub    Subscriber
	cohort *cohort
}

type cohort struct {
	key    string
	query  *plan.LiveQuery
	topic  string
	cancel context.CancelFunc

	mu      sync.RWMutex
	members map[ID]*subscription

	lastDigest [sha256.Size]byte
	hasDigest  bool
}

// NewInProcessPoller creates a poller. FetchLogs powers the async-action
// queue and may be nil when async actions are unused.
func NewInProcessPoller(exec Executor, fetchLogs LogFetcher, opts Options) *InProcessPoller {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.BatchBuffer <= 0 {
		opts.BatchBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &InProcessPoller{
		exec:     exec,
		interval: opts.Interval,
		logger:   opts.Logger,
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: int64(opts.BatchBuffer),
		}, watermill.NopLogger{}),
		cohorts: make(map[string]*cohort),
		subs:    make(map[ID]*subscription),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.async = newAsyncQueue(fetchLogs, opts.Interval, opts.Logger, &p.wg, ctx)
	return p
}

// Add registers a subscriber, creating its cohort on first use.
func (p *InProcessPoller) Add(ctx context.Context, sub Subscriber) (ID, error) {
	if sub.Query == nil {
		return ID{}, errors.New("live query plan is nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ID{}, ErrPollerClosed
	}

	key := cohortKey(sub.Source, sub.PlanHash)
	co, ok := p.cohorts[key]
	if !ok {
		co = &cohort{
			key:     key,
			query:   sub.Query,
			topic:   "livequery." + key,
			members: make(map[ID]*subscription),
		}
		p.cohorts[key] = co
		p.startCohort(co)
	}

	id := ulid.Make()
	s := &subscription{sub: sub, cohort: co}
	p.subs[id] = s
	co.mu.Lock()
	co.members[id] = s
	co.mu.Unlock()

	p.logger.Info("live query added",
		zap.String("cohort", key),
		zap.String("op_name", sub.OperationName),
		zap.String("request_id", sub.RequestID),
		zap.String("live_query_id", id.String()))
	return id, nil
}

// Remove drops a subscriber; the cohort's poll loop stops when its last
// member leaves.
func (p *InProcessPoller) Remove(id ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.subs[id]
	if !ok {
		return ErrSubscriberNotFound
	}
	delete(p.subs, id)

	co := s.cohort
	co.mu.Lock()
	delete(co.members, id)
	empty := len(co.members) == 0
	co.mu.Unlock()
	if empty {
		co.cancel()
		delete(p.cohorts, co.key)
	}

	p.logger.Info("live query removed",
		zap.String("cohort", co.key),
		zap.String("live_query_id", id.String()))
	return nil
}

// AddAsyncAction registers an async-action subscriber.
func (p *InProcessPoller) AddAsyncAction(ctx context.Context, sub AsyncSubscriber) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPollerClosed
	}
	return p.async.add(sub)
}

// RemoveAsyncAction drops the async subscriber registered under key.
func (p *InProcessPoller) RemoveAsyncAction(key OperationKey) {
	p.async.remove(key)
}

// Close stops every cohort and the async queue.
func (p *InProcessPoller) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, co := range p.cohorts {
		co.cancel()
	}
	p.cohorts = make(map[string]*cohort)
	p.subs = make(map[ID]*subscription)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	return p.pubsub.Close()
}

// startCohort launches the refetch loop and the fan-out consumer for one
// cohort. Caller holds p.mu.
func (p *InProcessPoller) startCohort(co *cohort) {
	ctx, cancel := context.WithCancel(p.ctx)
	co.cancel = cancel

	msgs, err := p.pubsub.Subscribe(ctx, co.topic)
	if err != nil {
		// gochannel only fails when closed; treat as a dead cohort.
		p.logger.Error("cohort subscribe failed", zap.String("cohort", co.key), zap.Error(err))
		return
	}

	p.wg.Add(2)
	go p.pollLoop(ctx, co)
	go p.fanOut(co, msgs)
}

// pollLoop refetches the cohort's query on the poll interval, publishing
// only when the result digest changed. Failed polls retry with
// exponential backoff and are delivered to subscribers as error pushes.
func (p *InProcessPoller) pollLoop(ctx context.Context, co *cohort) {
	defer p.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.interval
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		started := time.Now()
		data, err := p.exec(ctx, co.query)
		elapsed := time.Since(started)

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("live query poll failed", zap.String("cohort", co.key), zap.Error(err))
			p.deliver(co, Result{Err: err, ExecTime: elapsed})
			select {
			case <-time.After(bo.NextBackOff()):
				continue
			case <-ctx.Done():
				return
			}
		}
		bo.Reset()

		digest := sha256.Sum256(data)
		if !co.hasDigest || digest != co.lastDigest {
			co.lastDigest = digest
			co.hasDigest = true
			env := pushEnvelope{Data: data, ExecTimeNS: elapsed.Nanoseconds()}
			body, merr := json.Marshal(env)
			if merr != nil {
				p.logger.Error("live query marshal failed", zap.String("cohort", co.key), zap.Error(merr))
			} else if perr := p.pubsub.Publish(co.topic, message.NewMessage(watermill.NewUUID(), body)); perr != nil {
				p.logger.Error("live query publish failed", zap.String("cohort", co.key), zap.Error(perr))
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

type pushEnvelope struct {
	Data       json.RawMessage `json:"data"`
	ExecTimeNS int64           `json:"exec_time_ns"`
}

// fanOut drains the cohort topic and invokes every member's onChange.
func (p *InProcessPoller) fanOut(co *cohort, msgs <-chan *message.Message) {
	defer p.wg.Done()
	for msg := range msgs {
		var env pushEnvelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			p.logger.Error("live query push decode failed", zap.String("cohort", co.key), zap.Error(err))
			msg.Ack()
			continue
		}
		p.deliver(co, Result{Data: env.Data, ExecTime: time.Duration(env.ExecTimeNS)})
		msg.Ack()
	}
}

func (p *InProcessPoller) deliver(co *cohort, res Result) {
	co.mu.RLock()
	members := make([]*subscription, 0, len(co.members))
	for _, s := range co.members {
		members = append(members, s)
	}
	co.mu.RUnlock()
	for _, s := range members {
		s.sub.OnChange(res)
	}
}

func cohortKey(source plan.SourceConfig, planHash string) string {
	return fmt.Sprintf("%s/%s", source.Name, planHash)
}
