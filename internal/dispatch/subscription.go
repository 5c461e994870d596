package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"gateway/internal/gqlerr"
	"gateway/internal/livequery"
	"gateway/internal/plan"
)

// SubscriptionHost is the connection-side registry surface the engine
// records live queries on. Record must be atomic with respect to the
// connection's stop/close paths; Replace swaps the handle after an
// async-action restart and reports whether the operation was still live.
// RecordAsync marks an async-only operation so the connection can drop
// its queue registration on stop and close.
type SubscriptionHost interface {
	Record(id livequery.ID, opName string) error
	Replace(opID string, id livequery.ID) bool
	RecordAsync(opID string)
}

// runSubscription registers the operation with the poller: async-only
// plans join the async-action queue, source-backed plans become live
// queries (optionally restarted when action results arrive).
func (e *Engine) runSubscription(ctx context.Context, op Operation, hash string, p *plan.RootPlan, em Emitter, host SubscriptionHost, log *zap.Logger) error {
	sp := p.Subscription
	if sp == nil {
		return gqlerr.New(gqlerr.CodeInternal, gqlerr.CategoryInternal, "subscription plan missing")
	}
	if sp.BuildLiveQuery == nil {
		return e.startAsyncOnly(ctx, op, sp, em, host, log)
	}
	return e.startSourceBacked(ctx, op, hash, sp, em, host, log)
}

// startAsyncOnly subscribes the plan's action ids on the async queue. An
// empty set completes immediately.
func (e *Engine) startAsyncOnly(ctx context.Context, op Operation, sp *plan.SubscriptionPlan, em Emitter, host SubscriptionHost, log *zap.Logger) error {
	if len(sp.AsyncActionIDs) == 0 {
		em.Complete(op.OpID)
		return nil
	}
	sub := livequery.AsyncSubscriber{
		Key:       livequery.OperationKey{WSID: op.WSID, OpID: op.OpID},
		ActionIDs: sp.AsyncActionIDs,
		OnResult: func(logs map[string]json.RawMessage, elapsed time.Duration) {
			em.Data(op.OpID, actionLogPayload(logs, elapsed))
		},
		OnError: func(err error) {
			log.Error("async action subscription failed", zap.Error(err))
			em.Error(op.OpID, gqlerr.Wrap(gqlerr.CodeActionFailed, gqlerr.CategoryExecution, "async action query failed", err))
		},
	}
	if err := e.cfg.Poller.AddAsyncAction(ctx, sub); err != nil {
		return gqlerr.Wrap(gqlerr.CodeActionFailed, gqlerr.CategoryExecution, "could not subscribe to async actions", err)
	}
	host.RecordAsync(op.OpID)
	log.Info("subscription started", zap.String("kind", "action"))
	return nil
}

// startSourceBacked fetches the current action logs, registers the live
// query, and records the handle in the connection registry. With async
// ids present, a restart wrapper rebuilds the live query whenever new
// action results arrive.
func (e *Engine) startSourceBacked(ctx context.Context, op Operation, hash string, sp *plan.SubscriptionPlan, em Emitter, host SubscriptionHost, log *zap.Logger) error {
	var logs map[string]json.RawMessage
	if len(sp.AsyncActionIDs) > 0 {
		if e.cfg.Actions == nil {
			return gqlerr.New(gqlerr.CodeActionFailed, gqlerr.CategoryExecution, "action runner not configured")
		}
		var err error
		logs, err = e.cfg.Actions.FetchActionLogs(ctx, sp.AsyncActionIDs)
		if err != nil {
			return gqlerr.Wrap(gqlerr.CodeActionFailed, gqlerr.CategoryExecution, "could not fetch action logs", err)
		}
		for _, actionID := range sp.AsyncActionIDs {
			if _, ok := logs[actionID]; !ok {
				return gqlerr.Newf(gqlerr.CodeMissingActionLog, gqlerr.CategoryInternal, "no action log found for action %q", actionID)
			}
		}
	}

	id, err := e.addLiveQuery(ctx, op, hash, sp, logs, em)
	if err != nil {
		return err
	}
	if err := host.Record(id, op.Request.OperationName); err != nil {
		// Registration without a registry entry would leak; unwind.
		if rerr := e.cfg.Poller.Remove(id); rerr != nil {
			log.Error("live query unwind failed", zap.Error(rerr))
		}
		return err
	}

	if len(sp.AsyncActionIDs) > 0 {
		e.registerRestart(ctx, op, hash, sp, em, host, log)
		log.Info("subscription started", zap.String("live_query_id", id.String()))
	} else {
		// Log the backing kind only for pure database subscriptions.
		log.Info("subscription started",
			zap.String("kind", "database"),
			zap.String("live_query_id", id.String()))
	}
	return nil
}

// addLiveQuery builds the backend plan for the given action log map and
// registers it with the poller.
func (e *Engine) addLiveQuery(ctx context.Context, op Operation, hash string, sp *plan.SubscriptionPlan, logs map[string]json.RawMessage, em Emitter) (livequery.ID, error) {
	lq, err := sp.BuildLiveQuery(logs)
	if err != nil {
		return livequery.ID{}, gqlerr.Wrap(gqlerr.CodePlanningFailed, gqlerr.CategoryValidation, "could not build live query", err)
	}
	sub := livequery.Subscriber{
		Metadata:      map[string]string{"ws_id": op.WSID, "op_id": op.OpID},
		Source:        sp.Source,
		PlanHash:      hash,
		OperationName: op.Request.OperationName,
		RequestID:     op.RequestID,
		Query:         lq,
		OnChange:      e.onChange(op, em),
	}
	id, err := e.cfg.Poller.Add(ctx, sub)
	if err != nil {
		return livequery.ID{}, gqlerr.Wrap(gqlerr.CodeStepFailed, gqlerr.CategoryExecution, "could not register live query", err)
	}
	return id, nil
}

// onChange bridges poller pushes onto the connection. Failed polls
// arrive as data frames carrying the error payload; the subscription
// stays registered. Complete is never emitted from here.
func (e *Engine) onChange(op Operation, em Emitter) livequery.OnChange {
	return func(res livequery.Result) {
		if res.Err != nil {
			em.DataErr(op.OpID, gqlerr.Wrap(gqlerr.CodeStepFailed, gqlerr.CategoryExecution, "poll failed", res.Err))
			return
		}
		em.Data(op.OpID, wrapData(res.Data, res.ExecTime))
	}
}

// registerRestart subscribes a wrapper on the async queue that tears the
// live query down and rebuilds it with the fresh action log map.
func (e *Engine) registerRestart(ctx context.Context, op Operation, hash string, sp *plan.SubscriptionPlan, em Emitter, host SubscriptionHost, log *zap.Logger) {
	sub := livequery.AsyncSubscriber{
		Key:       livequery.OperationKey{WSID: op.WSID, OpID: op.OpID},
		ActionIDs: sp.AsyncActionIDs,
		OnResult: func(logs map[string]json.RawMessage, _ time.Duration) {
			newID, err := e.addLiveQuery(ctx, op, hash, sp, logs, em)
			if err != nil {
				log.Error("live query restart failed", zap.Error(err))
				em.Error(op.OpID, err)
				return
			}
			if !host.Replace(op.OpID, newID) {
				// Operation was stopped while we rebuilt; drop the new one.
				if rerr := e.cfg.Poller.Remove(newID); rerr != nil {
					log.Error("live query restart unwind failed", zap.Error(rerr))
				}
			}
		},
		OnError: func(err error) {
			log.Error("async action restart wrapper failed", zap.Error(err))
			em.Error(op.OpID, gqlerr.Wrap(gqlerr.CodeActionFailed, gqlerr.CategoryExecution, "async action query failed", err))
		},
	}
	if err := e.cfg.Poller.AddAsyncAction(ctx, sub); err != nil {
		log.Error("async action restart registration failed", zap.Error(err))
	}
}

// wrapData attaches execution-time metadata to one push payload.
func wrapData(data json.RawMessage, elapsed time.Duration) json.RawMessage {
	var buf bytes.Buffer
	buf.WriteString(`{"data":`)
	if data == nil {
		buf.WriteString("null")
	} else {
		buf.Write(data)
	}
	buf.WriteString(`,"extensions":{"execution_time_ms":`)
	ms, _ := json.Marshal(elapsedMS(elapsed))
	buf.Write(ms)
	buf.WriteString("}}")
	return buf.Bytes()
}

// actionLogPayload marshals the action log map into one data payload.
func actionLogPayload(logs map[string]json.RawMessage, elapsed time.Duration) json.RawMessage {
	body, err := jsonfast.Marshal(logs)
	if err != nil {
		body = []byte("null")
	}
	return wrapData(body, elapsed)
}
