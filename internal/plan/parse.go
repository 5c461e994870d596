package plan

import (
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"gateway/internal/gqlerr"
)

// ParseRequest parses the request text and selects the operation named by
// operationName (or the sole operation when unnamed). The document is not
// validated against a schema here; validation belongs to the planner,
// which owns the schema version the plan is built against.
func ParseRequest(req Request) (*ParsedRequest, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: req.Query})
	if err != nil {
		return nil, gqlerr.Wrap(gqlerr.CodeInvalidGraphQL, gqlerr.CategoryValidation, "not a valid graphql query", err)
	}
	op := doc.Operations.ForName(req.OperationName)
	if op == nil {
		if req.OperationName == "" {
			return nil, gqlerr.New(gqlerr.CodeInvalidGraphQL, gqlerr.CategoryValidation, "exactly one operation has to be present in the document when operationName is absent")
		}
		return nil, gqlerr.Newf(gqlerr.CodeInvalidGraphQL, gqlerr.CategoryValidation, "no such operation found in the document: %q", req.OperationName)
	}
	return &ParsedRequest{Raw: req, Doc: doc, Operation: op}, nil
}

// OperationKind maps the parsed operation to a plan kind.
func (r *ParsedRequest) OperationKind() Kind {
	switch r.Operation.Operation {
	case ast.Mutation:
		return KindMutation
	case ast.Subscription:
		return KindSubscription
	default:
		return KindQuery
	}
}
