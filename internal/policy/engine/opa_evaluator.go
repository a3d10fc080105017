package engine

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sort"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/devtizi/city-cab/internal/security"
)

const reasonsQuery = "data.citycab.destinations.reasons"

//go:embed policies/destinations.rego
var defaultRegoPolicy string

// OPAEvaluator evaluates destination policy with OPA Rego. The policy yields a set of reasons;
// "invalid_destination" maps to ErrInvalidArgument and any other reason to ErrAccessDenied.
type OPAEvaluator struct {
	query  rego.PreparedEvalQuery
	logger *slog.Logger
}

// NewOPAEvaluator compiles the given Rego modules (file name -> source). With no modules the bundled
// destinations policy is used. Every module must live in package citycab.destinations.
func NewOPAEvaluator(ctx context.Context, modules map[string]string, logger *slog.Logger) (*OPAEvaluator, error) {
	if len(modules) == 0 {
		modules = map[string]string{"destinations.rego": defaultRegoPolicy}
	}
	if logger == nil {
		logger = slog.Default()
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return nil, fmt.Errorf("compile policies: %w", err)
	}
	pq, err := rego.New(
		rego.Query(reasonsQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy query: %w", err)
	}
	return &OPAEvaluator{query: pq, logger: logger.With("component", "opa_evaluator")}, nil
}

// HealthCheck evaluates the prepared query against a minimal allowed request.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.reasons(ctx, Request{
		Action:      ActionSubscribe,
		Destination: "/topic/health",
		Identity:    &security.AuthClaims{},
	})
	return err
}

// Authorize implements Evaluator.
func (e *OPAEvaluator) Authorize(ctx context.Context, req Request) error {
	if err := precheck(req); err != nil {
		return err
	}
	reasons, err := e.reasons(ctx, req)
	if err != nil {
		// A broken policy must not open destinations.
		e.logger.ErrorContext(ctx, "policy evaluation failed", "destination", req.Destination, "error", err)
		return fmt.Errorf("%w: policy evaluation failed", security.ErrAccessDenied)
	}
	if len(reasons) == 0 {
		return nil
	}
	for _, r := range reasons {
		if r == "invalid_destination" {
			return fmt.Errorf("%w: %s", security.ErrInvalidArgument, req.Destination)
		}
	}
	return fmt.Errorf("%w: %s (%v)", security.ErrAccessDenied, req.Destination, reasons)
}

func (e *OPAEvaluator) reasons(ctx context.Context, req Request) ([]string, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(buildInput(req)))
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		// Undefined set: nothing matched.
		return nil, nil
	}
	raw, ok := rs[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected reasons type %T", rs[0].Expressions[0].Value)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

func buildInput(req Request) map[string]interface{} {
	id := req.Identity
	authorities := make([]interface{}, 0, len(id.Authorities))
	for _, a := range id.Authorities {
		authorities = append(authorities, a)
	}
	return map[string]interface{}{
		"action":      string(req.Action),
		"destination": req.Destination,
		"identity": map[string]interface{}{
			"userId":      id.UserID,
			"userType":    id.UserType,
			"cityId":      id.CityID,
			"authorities": authorities,
		},
	}
}
