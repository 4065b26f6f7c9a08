package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rivet-gg/actorrepl/actor"
	"github.com/rivet-gg/actorrepl/metrics"
	"github.com/rivet-gg/actorrepl/protocol"
	"github.com/rivet-gg/actorrepl/sandbox"
)

// Highlighter tokenizes source code for display.
type Highlighter interface {
	Highlight(code string) (protocol.Formatted, error)
}

// Transformer rewrites a snippet so its trailing expression is returned.
type Transformer interface {
	Transform(src string) (string, error)
}

// Evaluator runs a transformed snippet with bindings in scope.
type Evaluator interface {
	Evaluate(ctx context.Context, src string, bindings sandbox.Bindings) (sandbox.Result, error)
}

// Logger is the logging interface used by the worker. *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds the configuration for a Worker.
type Config struct {
	// Resolver connects to actors.
	// Required.
	Resolver actor.Resolver

	// Highlighter produces formatted responses. Defaults to a TypeScript
	// highlighter with the default theme.
	Highlighter Highlighter

	// Transformer rewrites snippets before evaluation. Defaults to the
	// TypeScript transformer.
	Transformer Transformer

	// Evaluator runs snippets. Defaults to an evaluator without a duration
	// limit.
	Evaluator Evaluator

	// ConnectTimeout bounds actor resolution. Defaults to
	// actor.DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger is optional.
	Logger Logger
}

// Validate checks that all required fields are set.
// Returns ErrConfiguration if any required field is missing.
func (c *Config) Validate() error {
	var missing []string

	if c.Resolver == nil {
		missing = append(missing, "Resolver")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required fields: %s",
			ErrConfiguration, strings.Join(missing, ", "))
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("%w: ConnectTimeout must not be negative", ErrConfiguration)
	}
	return nil
}

// applyDefaults sets default values for optional fields.
func (c *Config) applyDefaults() error {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = actor.DefaultConnectTimeout
	}
	if c.Evaluator == nil {
		evaluator, err := sandbox.New(sandbox.Config{})
		if err != nil {
			return err
		}
		c.Evaluator = evaluator
	}
	return nil
}
