package policy

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common"

	"github.com/ryuqq/fileflow/internal/metrics"
)

// Input carries the two attribute namespaces a rule can reference:
// "ctx" (actor/environment) and "res" (resource).
type Input struct {
	Actor    map[string]any
	Resource map[string]any
}

// Rule is a named boolean CEL expression. Compilation happens at most once
// per registered rule version; re-registering a name replaces the rule.
type Rule struct {
	Name   string
	Source string

	celProgram  cel.Program
	compileOnce sync.Once
	compiled    atomic.Bool
}

// Evaluator evaluates registered ABAC rules with conservative-deny
// semantics: any error anywhere yields deny, never an error on the allow
// path. Safe for concurrent use; rule registration swaps an immutable map.
type Evaluator struct {
	env         *cel.Env
	evalTimeout time.Duration
	logger      *slog.Logger

	rules atomic.Pointer[map[string]*Rule]
}

// NewEvaluator builds an evaluator with the given per-evaluation deadline.
func NewEvaluator(evalTimeout time.Duration, logger *slog.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("res", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("construct cel env: %w", err)
	}
	e := &Evaluator{
		env:         env,
		evalTimeout: evalTimeout,
		logger:      logger,
	}
	empty := map[string]*Rule{}
	e.rules.Store(&empty)
	return e, nil
}

// RegisterRule parses and type-checks the expression, then publishes it via
// copy-on-write so concurrent evaluations always see a consistent rule set.
// Program construction is deferred to first evaluation.
func (e *Evaluator) RegisterRule(name, source string) error {
	// Fail fast on syntax/type errors at registration time.
	ast, issues := e.env.CompileSource(common.NewStringSource(source, name))
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile rule %q: %w", name, issues.Err())
	}
	if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
		return fmt.Errorf("compile rule %q: expected bool output, got %s", name, ast.OutputType())
	}

	rule := &Rule{Name: name, Source: source}

	for {
		old := e.rules.Load()
		next := make(map[string]*Rule, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[name] = rule
		if e.rules.CompareAndSwap(old, &next) {
			break
		}
	}
	e.logger.Info("policy.rule.registered", "rule", name)
	return nil
}

// Evaluate runs the named rule against the input and returns the decision.
// Unknown rules, compilation failures, missing attributes, type mismatches,
// evaluation errors, and deadline overruns all deny.
func (e *Evaluator) Evaluate(ctx context.Context, ruleName string, in Input) bool {
	d := e.decide(ctx, ruleName, in)

	metrics.PolicyEvalDuration.WithLabelValues(ruleName, d.Source).Observe(d.Latency.Seconds())
	outcome := "deny"
	if d.Allowed {
		outcome = "allow"
	}
	metrics.PolicyDecisions.WithLabelValues(ruleName, outcome, d.Cause).Inc()

	if d.Cause != "" && d.Cause != causePolicy {
		e.logger.Warn("policy.evaluate.denied",
			"rule", ruleName,
			"cause", d.Cause,
			"err", d.err,
			"latency_ms", d.Latency.Milliseconds(),
		)
	} else {
		e.logger.Debug("policy.evaluate.ok",
			"rule", ruleName,
			"allowed", d.Allowed,
			"source", d.Source,
			"latency_ms", d.Latency.Milliseconds(),
		)
	}
	return d.Allowed
}

func (e *Evaluator) decide(ctx context.Context, ruleName string, in Input) *AccessDecision {
	start := time.Now()
	d := &AccessDecision{RuleName: ruleName, Source: sourceCached}
	defer func() { d.Latency = time.Since(start) }()

	rules := e.rules.Load()
	rule, ok := (*rules)[ruleName]
	if !ok {
		d.Cause = causeUnknownRule
		d.err = fmt.Errorf("rule %q not registered", ruleName)
		return d
	}

	if !rule.compiled.Load() {
		d.Source = sourceFresh
	}
	if err := e.compileRule(rule); err != nil {
		d.Cause = causeCompile
		d.err = err
		return d
	}

	evalCtx := ctx
	if e.evalTimeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, e.evalTimeout)
		defer cancel()
	}

	actor := in.Actor
	if actor == nil {
		actor = map[string]any{}
	}
	resource := in.Resource
	if resource == nil {
		resource = map[string]any{}
	}

	out, _, err := rule.celProgram.ContextEval(evalCtx, map[string]any{
		"ctx": actor,
		"res": resource,
	})
	if err != nil {
		d.Cause = causeEval
		if evalCtx.Err() != nil {
			d.Cause = causeTimeout
		}
		d.err = err
		return d
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		d.Cause = causeEval
		d.err = fmt.Errorf("rule %q produced non-bool result %T", ruleName, out.Value())
		return d
	}

	d.Allowed = allowed
	if !allowed {
		d.Cause = causePolicy
	}
	return d
}

// compileRule builds the CEL program at most once per rule version.
func (e *Evaluator) compileRule(rule *Rule) error {
	var compileErr error
	rule.compileOnce.Do(func() {
		ast, issues := e.env.CompileSource(common.NewStringSource(rule.Source, rule.Name))
		if issues != nil && issues.Err() != nil {
			compileErr = issues.Err()
			return
		}
		prg, err := e.env.Program(ast,
			cel.EvalOptions(cel.OptOptimize),
			cel.InterruptCheckFrequency(100),
		)
		if err != nil {
			compileErr = fmt.Errorf("rule %q program construction: %w", rule.Name, err)
			return
		}
		rule.celProgram = prg
		rule.compiled.Store(true)
	})
	if compileErr != nil {
		return compileErr
	}
	if !rule.compiled.Load() {
		return fmt.Errorf("rule %q failed to compile previously", rule.Name)
	}
	return nil
}
