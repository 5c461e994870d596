package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"gateway/internal/gqlerr"
	"gateway/internal/plan"
)

// runStep evaluates one plan field. Response headers produced by remote
// steps are logged and discarded; the WebSocket transport has no way to
// convey them.
func (e *Engine) runStep(ctx context.Context, op Operation, field plan.Field, log *zap.Logger) (json.RawMessage, error) {
	switch {
	case field.Step.DB != nil:
		return e.runDBStep(ctx, op, field.Name, field.Step.DB, log)
	case field.Step.Remote != nil:
		return e.runRemoteStep(ctx, op, field.Step.Remote, log)
	case field.Step.Action != nil:
		return e.runActionStep(ctx, op, field.Step.Action)
	case field.Step.Raw != nil:
		return field.Step.Raw.Value, nil
	default:
		return nil, gqlerr.Newf(gqlerr.CodeInternal, gqlerr.CategoryInternal, "field %q has no step", field.Name)
	}
}

func (e *Engine) runDBStep(ctx context.Context, op Operation, fieldName string, step *plan.DBStep, log *zap.Logger) (json.RawMessage, error) {
	exec, ok := e.cfg.Backends[step.Source.Backend]
	if !ok {
		return nil, gqlerr.Newf(gqlerr.CodeStepFailed, gqlerr.CategoryExecution, "no executor for backend %q", step.Source.Backend)
	}
	ioTime, result, err := exec.RunQuery(ctx, op.RequestID, op.User, step.Source, step.GeneratedSQL)
	if err != nil {
		return nil, gqlerr.Wrap(gqlerr.CodeStepFailed, gqlerr.CategoryExecution, "database query error", err)
	}
	log.Debug("db step finished",
		zap.String("field", fieldName),
		zap.String("source", step.Source.Name),
		zap.Duration("io_time", ioTime))
	if step.RemoteJoins != nil {
		return e.processJoins(ctx, op, result, step.RemoteJoins)
	}
	return result, nil
}

func (e *Engine) runRemoteStep(ctx context.Context, op Operation, step *plan.RemoteStep, log *zap.Logger) (json.RawMessage, error) {
	if e.cfg.Remote == nil {
		return nil, gqlerr.New(gqlerr.CodeRemoteFailed, gqlerr.CategoryExecution, "remote schema client not configured")
	}
	body, respHeaders, err := e.cfg.Remote.Execute(ctx, step, op.Headers)
	if err != nil {
		return nil, gqlerr.Wrap(gqlerr.CodeRemoteFailed, gqlerr.CategoryExecution, "remote schema error", err)
	}
	if len(respHeaders) > 0 {
		log.Debug("remote response headers discarded", zap.Int("count", len(respHeaders)))
	}
	return extractPath(body, step.ResultPath)
}

func (e *Engine) runActionStep(ctx context.Context, op Operation, step *plan.ActionStep) (json.RawMessage, error) {
	if e.cfg.Actions == nil {
		return nil, gqlerr.New(gqlerr.CodeActionFailed, gqlerr.CategoryExecution, "action runner not configured")
	}
	result, err := e.cfg.Actions.RunAction(ctx, op.RequestID, op.User, step, op.Headers)
	if err != nil {
		return nil, gqlerr.Wrap(gqlerr.CodeActionFailed, gqlerr.CategoryExecution, "action execution failed", err)
	}
	if step.RemoteJoins != nil {
		return e.processJoins(ctx, op, result, step.RemoteJoins)
	}
	return result, nil
}

func (e *Engine) processJoins(ctx context.Context, op Operation, primary json.RawMessage, joins *plan.RemoteJoins) (json.RawMessage, error) {
	if e.cfg.Joins == nil {
		return primary, nil
	}
	joined, err := e.cfg.Joins.Process(ctx, primary, joins, op.Headers)
	if err != nil {
		return nil, gqlerr.Wrap(gqlerr.CodeStepFailed, gqlerr.CategoryExecution, "remote join processing failed", err)
	}
	return joined, nil
}

// extractPath walks nested objects to the requested field, starting at
// the top level of the remote response body; the remote's "data" key is
// not skipped and must appear in the path.
func extractPath(body json.RawMessage, path []string) (json.RawMessage, error) {
	current := body
	for _, key := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(current, &obj); err != nil {
			return nil, gqlerr.Wrap(gqlerr.CodeRemoteFailed, gqlerr.CategoryExecution, "remote response shape mismatch", err)
		}
		next, ok := obj[key]
		if !ok {
			return nil, gqlerr.Newf(gqlerr.CodeRemoteFailed, gqlerr.CategoryExecution, "remote response missing field %q", key)
		}
		current = next
	}
	return current, nil
}

// elapsedMS reports a duration in whole milliseconds for log payloads.
func elapsedMS(d time.Duration) int64 {
	return d.Milliseconds()
}
