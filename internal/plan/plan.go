// Package plan defines the execution plan model shared by the planner and
// the dispatch engine: parsed requests, plan shapes for queries, mutations
// and subscriptions, and the tagged step variants routed to backend
// executors.
package plan

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vektah/gqlparser/v2/ast"

	"gateway/internal/auth"
)

// Kind discriminates the three plan shapes.
type Kind int

const (
	KindQuery Kind = iota
	KindMutation
	KindSubscription
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindMutation:
		return "mutation"
	default:
		return "subscription"
	}
}

// BackendKind tags the concrete backend a DB step targets. The dispatch
// engine resolves the executor for a step through this tag.
type BackendKind string

const (
	BackendPostgres BackendKind = "postgres"
	BackendMSSQL    BackendKind = "mssql"
	BackendBigQuery BackendKind = "bigquery"
)

// SourceConfig identifies one configured relational source.
type SourceConfig struct {
	Name    string
	Backend BackendKind
}

// RemoteJoins describes the join tree stitched into a primary response by
// the remote-join processor. Opaque to the transport.
type RemoteJoins struct {
	Tree json.RawMessage
}

// Step is one node of an execution plan. Exactly one of the variant
// pointers is non-nil.
type Step struct {
	DB     *DBStep
	Remote *RemoteStep
	Action *ActionStep
	Raw    *RawStep
}

// DBStep executes generated SQL against a relational source.
type DBStep struct {
	Source       SourceConfig
	GeneratedSQL string
	RemoteJoins  *RemoteJoins
}

// RemoteStep forwards a sub-request to a remote GraphQL endpoint and
// extracts the requested field path from the response.
type RemoteStep struct {
	Endpoint string
	// Request is the GraphQL request body forwarded to the remote.
	Request json.RawMessage
	// ResultPath selects the requested field from the remote response,
	// starting at the response root (so its first element is "data");
	// applied by the result customiser.
	ResultPath []string
}

// ActionStep runs a synchronous action through the action executor.
type ActionStep struct {
	ActionName  string
	Payload     json.RawMessage
	RemoteJoins *RemoteJoins
}

// RawStep carries literal JSON embedded in the plan (introspection
// results, __typename shortcuts).
type RawStep struct {
	Value json.RawMessage
}

// Field is one root field of a plan, in response order.
type Field struct {
	Name string
	Step Step
}

// CacheDirective carries the TTL requested by a @cached directive.
type CacheDirective struct {
	TTL time.Duration
}

// LiveQuery is the backend plan handed to the poller for a source-backed
// subscription: one multiplexed query refetched on an interval.
type LiveQuery struct {
	Source    SourceConfig
	SQL       string
	Variables json.RawMessage
}

// SubscriptionPlan is the subscription-shaped plan. AsyncActionIDs lists
// async-action identifiers appearing in the selection set; BuildLiveQuery
// is nil for async-only subscriptions, otherwise it closes over the plan's
// immutable context and produces the backend live query for the current
// action log map.
type SubscriptionPlan struct {
	AsyncActionIDs []string
	Source         SourceConfig
	BuildLiveQuery func(actionLogs map[string]json.RawMessage) (*LiveQuery, error)
}

// RootPlan is the planner's output for one operation.
type RootPlan struct {
	Kind  Kind
	Fields []Field
	// Cache is non-nil when the query carried a cache directive.
	Cache *CacheDirective
	// SessionVarsUsed lists the session variables the plan references;
	// the query-result cache key projects session vars to this set.
	SessionVarsUsed []string
	// Subscription is set when Kind is KindSubscription.
	Subscription *SubscriptionPlan
}

// Request is the raw GraphQL request carried in a start payload.
type Request struct {
	Query         string                     `json:"query"`
	Variables     map[string]json.RawMessage `json:"variables,omitempty"`
	OperationName string                     `json:"operationName,omitempty"`
}

// ParsedRequest pairs a raw request with its parsed document and the
// selected operation definition.
type ParsedRequest struct {
	Raw       Request
	Doc       *ast.QueryDocument
	Operation *ast.OperationDefinition
}

// Planner turns a parsed request into an executable plan. The returned
// hash is the parameterised query hash used by the poller to multiplex
// identical subscriptions across clients.
type Planner interface {
	Plan(ctx context.Context, user *auth.UserInfo, schema *ast.Schema, req *ParsedRequest) (hash string, p *RootPlan, err error)
}

// QueryExecutor runs one DB query step. Implementations are registered per
// BackendKind in the dispatch engine's backend table.
type QueryExecutor interface {
	RunQuery(ctx context.Context, requestID string, user *auth.UserInfo, source SourceConfig, sql string) (ioTime time.Duration, result json.RawMessage, err error)
}

// MutationExecutor runs DB mutation steps. RunMutations receives every
// step of a coalesced single-source mutation and executes them in one
// transaction, returning results keyed by field name.
type MutationExecutor interface {
	QueryExecutor
	RunMutations(ctx context.Context, requestID string, user *auth.UserInfo, source SourceConfig, fields []Field) (map[string]json.RawMessage, error)
}

// ActionRunner executes synchronous action steps and resolves async
// action log entries.
type ActionRunner interface {
	RunAction(ctx context.Context, requestID string, user *auth.UserInfo, step *ActionStep, headers http.Header) (json.RawMessage, error)
	// FetchActionLogs returns the current log entry for each async action id.
	FetchActionLogs(ctx context.Context, actionIDs []string) (map[string]json.RawMessage, error)
}

// RemoteJoinProcessor stitches remote-schema data into a primary response.
type RemoteJoinProcessor interface {
	Process(ctx context.Context, primary json.RawMessage, joins *RemoteJoins, headers http.Header) (json.RawMessage, error)
}
