package script

import (
	"context"
	"fmt"
)

// noopHandle is the Handle returned by NoopEvaluator.
type noopHandle struct {
	channelID string
	scope     Scope
	source    string
}

func (h *noopHandle) ChannelID() string { return h.channelID }

// NoopEvaluator is an Evaluator that accepts every filter, passes the
// message body through unmodified, and applies no map deltas. It is wired
// in when a channel declares no script source for a given scope — the
// channel then behaves as if an always-accept, identity-transform script
// were present — and it is what
// tests in other packages use to exercise the pipeline without a real
// script runtime.
type NoopEvaluator struct{}

func (NoopEvaluator) Compile(_ context.Context, channelID string, scope Scope, source string) (Handle, error) {
	return &noopHandle{channelID: channelID, scope: scope, source: source}, nil
}

func (NoopEvaluator) EvaluateFilter(_ context.Context, _ Handle, _ Bindings) (FilterResult, error) {
	return FilterResult{Accept: true}, nil
}

func (NoopEvaluator) EvaluateTransformer(_ context.Context, handle Handle, bindings Bindings) (TransformResult, error) {
	h, ok := handle.(*noopHandle)
	if !ok {
		return TransformResult{}, fmt.Errorf("script: noop evaluator given foreign handle")
	}
	body, _ := bindings["message"].(string)
	_ = h
	return TransformResult{Body: body}, nil
}

func (NoopEvaluator) EvaluateResponse(_ context.Context, _ Handle, _ Bindings) (ResponseResult, error) {
	return ResponseResult{Status: "SENT"}, nil
}

func (NoopEvaluator) EvaluateDeploy(_ context.Context, _ Handle, _ Bindings) error {
	return nil
}

func (NoopEvaluator) Release(_ context.Context, _ Handle) error {
	return nil
}
