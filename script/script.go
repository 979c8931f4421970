// Package script defines the Script Evaluator Contract: the
// pipeline engine and connector framework depend only on this interface,
// never on a concrete JavaScript/Rhino/Nashorn runtime; the implementation
// is supplied by the caller at construction time.
package script

import "context"

// Scope identifies which pipeline hook a compiled script was written
// for. The evaluator may use it to decide what bindings and
// helper globals (e.g. channelMap, responseMap) are legal for that script.
type Scope string

const (
	ScopeGlobalDeploy         Scope = "GLOBAL_DEPLOY"
	ScopeChannelDeploy        Scope = "CHANNEL_DEPLOY"
	ScopeSourceFilter         Scope = "SOURCE_FILTER"
	ScopeSourceTransformer    Scope = "SOURCE_TRANSFORMER"
	ScopeDestinationFilter    Scope = "DESTINATION_FILTER"
	ScopeDestinationTransformer Scope = "DESTINATION_TRANSFORMER"
	ScopeResponse             Scope = "RESPONSE"
)

// Handle is an opaque reference to a compiled script, scoped to one
// Evaluator implementation. Callers must not inspect it; they pass it back
// to Evaluate and Release.
type Handle interface {
	// ChannelID identifies which channel owns this compiled script, so a
	// Release during undeploy can be scoped correctly.
	ChannelID() string
}

// Bindings is the variable set exposed to a running script: the connector
// message maps, plus scope-specific extras (e.g. "response" for
// ScopeResponse). Keys are the script-visible global names.
type Bindings map[string]any

// FilterResult is the outcome of a SOURCE_FILTER/DESTINATION_FILTER script:
// Accept false means the pipeline drops the message/connector-message at that
// stage without dispatching it further.
type FilterResult struct {
	Accept bool
	Reason string
}

// TransformResult is the outcome of a *_TRANSFORMER script: the script may
// rewrite the message body and/or mutate the channel/connector maps. Nil
// deltas mean "no change" rather than "clear the map".
type TransformResult struct {
	Body             string
	ChannelMapDelta  map[string]any
	ConnectorMapDelta map[string]any
}

// ResponseResult is the outcome of a RESPONSE script: it may override the
// status/message that will be recorded for the connector-message.
type ResponseResult struct {
	Status  string
	Message string
}

// Evaluator is the capability the channel runtime needs from a script
// engine. A concrete implementation (e.g. an embedded JS runtime) is wired
// in by the process entrypoint; the core packages depend only on this
// interface; script execution is pluggable and not part of the core.
type Evaluator interface {
	// Compile parses and prepares source for repeated evaluation under
	// scope, returning a Handle the caller retains for the channel's
	// lifetime. Compile errors surface as script errors.
	Compile(ctx context.Context, channelID string, scope Scope, source string) (Handle, error)

	// EvaluateFilter runs a compiled SOURCE_FILTER/DESTINATION_FILTER script.
	EvaluateFilter(ctx context.Context, handle Handle, bindings Bindings) (FilterResult, error)

	// EvaluateTransformer runs a compiled *_TRANSFORMER script.
	EvaluateTransformer(ctx context.Context, handle Handle, bindings Bindings) (TransformResult, error)

	// EvaluateResponse runs a compiled RESPONSE script.
	EvaluateResponse(ctx context.Context, handle Handle, bindings Bindings) (ResponseResult, error)

	// EvaluateDeploy runs a compiled GLOBAL_DEPLOY/CHANNEL_DEPLOY script for
	// its side effects only; no pipeline value is produced.
	EvaluateDeploy(ctx context.Context, handle Handle, bindings Bindings) error

	// Release discards a compiled script, called on channel undeploy.
	Release(ctx context.Context, handle Handle) error
}
