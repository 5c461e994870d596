package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/vektah/gqlparser/v2/ast"

	"gateway/internal/auth"
	"gateway/internal/config"
	"gateway/internal/plan"
)

// devPlanner plans every operation as raw null fields and subscriptions
// as a trivial live query against the default source. It stands in until
// the planner service is wired.
type devPlanner struct {
	sqlGen config.SQLGen
}

func (devPlanner) Plan(_ context.Context, _ *auth.UserInfo, _ *ast.Schema, req *plan.ParsedRequest) (string, *plan.RootPlan, error) {
	sum := sha256.Sum256([]byte(req.Raw.Query))
	hash := hex.EncodeToString(sum[:])

	kind := req.OperationKind()
	p := &plan.RootPlan{Kind: kind}
	for _, sel := range req.Operation.SelectionSet {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		name := field.Alias
		if name == "" {
			name = field.Name
		}
		p.Fields = append(p.Fields, plan.Field{
			Name: name,
			Step: plan.Step{Raw: &plan.RawStep{Value: json.RawMessage("null")}},
		})
	}

	if kind == plan.KindSubscription {
		source := plan.SourceConfig{Name: "default", Backend: plan.BackendPostgres}
		p.Subscription = &plan.SubscriptionPlan{
			Source: source,
			BuildLiveQuery: func(map[string]json.RawMessage) (*plan.LiveQuery, error) {
				return &plan.LiveQuery{Source: source, SQL: "SELECT 1"}, nil
			},
		}
	}
	return hash, p, nil
}

// devLiveQueryExecutor answers every poll with an empty result set.
func devLiveQueryExecutor(_ context.Context, _ *plan.LiveQuery) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
