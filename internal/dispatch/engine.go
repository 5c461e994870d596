// Package dispatch routes a parsed GraphQL operation to its plan steps
// and assembles the combined response: cached results and per-field
// execution for queries, transaction coalescing for mutations, and
// poller registration for subscriptions.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gateway/internal/allowlist"
	"gateway/internal/auth"
	"gateway/internal/cache"
	"gateway/internal/gqlerr"
	"gateway/internal/livequery"
	"gateway/internal/plan"
	"gateway/internal/schemacache"
)

var jsonfast = jsoniter.ConfigCompatibleWithStandardLibrary

// Emitter delivers frames for one operation back onto the connection's
// serial writer. Implemented by the ws connection. DataErr emits a data
// frame carrying the rendered error payload — the shape live
// subscriptions use for per-poll failures.
type Emitter interface {
	Data(opID string, payload json.RawMessage)
	DataErr(opID string, err error)
	Error(opID string, err error)
	Complete(opID string)
}

// Operation carries everything the engine needs to run one start.
type Operation struct {
	WSID      string
	OpID      string
	RequestID string
	User      *auth.UserInfo
	// Headers are the forwarded headers: handshake headers merged with
	// the connection_init payload headers.
	Headers http.Header
	Request plan.Request
}

// Config wires the engine's collaborators.
type Config struct {
	Logger      *zap.Logger
	Planner     plan.Planner
	Schema      *schemacache.Cache
	AllowList   allowlist.Store
	EnforceList bool
	Cache       *cache.ResultCache
	Backends    map[plan.BackendKind]plan.MutationExecutor
	Actions     plan.ActionRunner
	Joins       plan.RemoteJoinProcessor
	Remote      *RemoteClient
	Poller      livequery.Poller
}

// Engine executes plans. One engine serves every connection.
type Engine struct {
	cfg Config
	log *zap.Logger
}

// New creates an engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, log: cfg.Logger.Named("dispatch")}
}

// Execute parses, checks, plans and runs one operation, reporting the
// plan kind that ran. For queries and mutations the engine emits data
// and complete itself and returns nil. Any returned error has not been
// emitted; the caller owns the error/complete frames and their style.
func (e *Engine) Execute(ctx context.Context, op Operation, em Emitter, host SubscriptionHost) (plan.Kind, error) {
	parsed, err := plan.ParseRequest(op.Request)
	if err != nil {
		return plan.KindQuery, err
	}
	kind := parsed.OperationKind()

	if e.cfg.EnforceList && e.cfg.AllowList != nil {
		if !e.cfg.AllowList.IsAllowed(op.User.Role, op.Request.OperationName, op.Request.Query) {
			return kind, gqlerr.New(gqlerr.CodeQueryNotAllowed, gqlerr.CategoryValidation, "query is not allowed")
		}
	}

	schema, version := e.cfg.Schema.GetSchema()
	hash, rootPlan, err := e.cfg.Planner.Plan(ctx, op.User, schema, parsed)
	if err != nil {
		return kind, gqlerr.Wrap(gqlerr.CodePlanningFailed, gqlerr.CategoryValidation, "query execution failed", err)
	}

	log := e.log.With(
		zap.String("ws_id", op.WSID),
		zap.String("op_id", op.OpID),
		zap.String("request_id", op.RequestID),
		zap.String("plan_hash", hash),
		zap.Uint64("schema_version", uint64(version)),
	)

	switch rootPlan.Kind {
	case plan.KindQuery:
		return rootPlan.Kind, e.runQuery(ctx, op, rootPlan, em, log)
	case plan.KindMutation:
		return rootPlan.Kind, e.runMutation(ctx, op, rootPlan, em, log)
	default:
		return rootPlan.Kind, e.runSubscription(ctx, op, hash, rootPlan, em, host, log)
	}
}

// runQuery consults the result cache, then evaluates each step and
// assembles one data frame in plan field order.
func (e *Engine) runQuery(ctx context.Context, op Operation, p *plan.RootPlan, em Emitter, log *zap.Logger) error {
	key := cache.KeyFor(op.Request, op.User, p.SessionVarsUsed)
	if e.cfg.Cache != nil {
		if payload, ok := e.cfg.Cache.Get(key); ok {
			log.Debug("query served from cache")
			em.Data(op.OpID, payload)
			em.Complete(op.OpID)
			return nil
		}
	}

	results, err := e.runFields(ctx, op, p.Fields, log)
	if err != nil {
		return err
	}
	payload := assemble(p.Fields, results)

	if e.cfg.Cache != nil {
		var ttl time.Duration
		if p.Cache != nil {
			ttl = p.Cache.TTL
		}
		e.cfg.Cache.Set(key, payload, ttl)
	}

	em.Data(op.OpID, payload)
	em.Complete(op.OpID)
	return nil
}

// runMutation coalesces all-DB single-source plans into one transaction;
// anything else executes per-step like a query. Never cached.
func (e *Engine) runMutation(ctx context.Context, op Operation, p *plan.RootPlan, em Emitter, log *zap.Logger) error {
	if source, ok := singleDBSource(p.Fields); ok {
		exec, found := e.cfg.Backends[source.Backend]
		if !found {
			return gqlerr.Newf(gqlerr.CodeStepFailed, gqlerr.CategoryExecution, "no executor for backend %q", source.Backend)
		}
		byField, err := exec.RunMutations(ctx, op.RequestID, op.User, source, p.Fields)
		if err != nil {
			return gqlerr.Wrap(gqlerr.CodeStepFailed, gqlerr.CategoryExecution, "mutation failed", err)
		}
		results := make([]json.RawMessage, len(p.Fields))
		for i, f := range p.Fields {
			r, found := byField[f.Name]
			if !found {
				return gqlerr.Newf(gqlerr.CodeInternal, gqlerr.CategoryInternal, "transaction result missing field %q", f.Name)
			}
			results[i] = r
		}
		em.Data(op.OpID, assemble(p.Fields, results))
		em.Complete(op.OpID)
		return nil
	}

	results, err := e.runFields(ctx, op, p.Fields, log)
	if err != nil {
		return err
	}
	em.Data(op.OpID, assemble(p.Fields, results))
	em.Complete(op.OpID)
	return nil
}

// runFields evaluates every step concurrently. The first failure wins;
// remaining step results are dropped.
func (e *Engine) runFields(ctx context.Context, op Operation, fields []plan.Field, log *zap.Logger) ([]json.RawMessage, error) {
	results := make([]json.RawMessage, len(fields))
	g, gctx := errgroup.WithContext(ctx)
	for i := range fields {
		i := i
		g.Go(func() error {
			r, err := e.runStep(gctx, op, fields[i], log)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// assemble joins per-field results into one response object in plan
// field order.
func assemble(fields []plan.Field, results []json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	buf.WriteString(`{"data":{`)
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := jsonfast.Marshal(f.Name)
		buf.Write(name)
		buf.WriteByte(':')
		if results[i] == nil {
			buf.WriteString("null")
		} else {
			buf.Write(results[i])
		}
	}
	buf.WriteString("}}")
	return buf.Bytes()
}

// singleDBSource reports the shared source when every field is a DB step
// against the same relational source.
func singleDBSource(fields []plan.Field) (plan.SourceConfig, bool) {
	if len(fields) == 0 {
		return plan.SourceConfig{}, false
	}
	first := fields[0].Step.DB
	if first == nil {
		return plan.SourceConfig{}, false
	}
	for _, f := range fields[1:] {
		db := f.Step.DB
		if db == nil || db.Source != first.Source {
			return plan.SourceConfig{}, false
		}
	}
	return first.Source, true
}
