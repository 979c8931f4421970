// Package pipeline implements the message pipeline engine:
// ingest -> source filter -> source transformer -> fan-out to destinations
// (sequential or parallel) -> response aggregation.
package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/channelengine/celog"
	"github.com/jeeves-cluster-organization/channelengine/ceerrors"
	"github.com/jeeves-cluster-organization/channelengine/config"
	"github.com/jeeves-cluster-organization/channelengine/connector"
	"github.com/jeeves-cluster-organization/channelengine/content"
	"github.com/jeeves-cluster-organization/channelengine/enginerecover"
	"github.com/jeeves-cluster-organization/channelengine/maps"
	"github.com/jeeves-cluster-organization/channelengine/observability"
	"github.com/jeeves-cluster-organization/channelengine/script"
	"github.com/jeeves-cluster-organization/channelengine/store"
)

// Mode is the fan-out execution mode for a channel's destinations.
type Mode string

const (
	ModeSequential Mode = "SEQUENTIAL"
	ModeParallel   Mode = "PARALLEL"
)

// DestinationResult is one destination's outcome for a single message,
// used to build the ResponseMap and to decide dispatch.Enqueue vs inline
// send (the dispatcher owns retry; the pipeline only runs one attempt per
// invocation).
type DestinationResult struct {
	MetaDataID int
	Name       string
	Response   connector.Response
	Err        error
}

// Sender is how the pipeline engine reaches a destination connector for
// one attempt; dispatch.Worker implements this to interpose its queue,
// retry, and backpressure policy between the pipeline and the
// transport.
type Sender interface {
	Send(ctx context.Context, messageID int64, metaDataID int, body string, connectorMap map[string]any) (connector.Response, error)
}

// Engine runs one channel's pipeline: it owns the channel's script
// evaluator, destinations, and maps registry, and is invoked once per
// inbound RawMessage.
type Engine struct {
	ChannelID    string
	Mode         Mode
	Destinations []*config.ConnectorConfig
	Senders      map[int]Sender // metaDataId -> Sender
	Evaluator    script.Evaluator
	Store        *store.Store
	MapRegistry  *maps.Registry
	Logger       celog.Logger
}

// Result is what Run returns: the aggregated per-destination outcomes and
// whether the source message was accepted at all.
type Result struct {
	MessageID         int64
	SourceAccepted    bool
	DestinationResults []DestinationResult
}

// Run executes the full pipeline for one inbound message:
//  1. persist RAW content, create the Message + source ConnectorMessage
//  2. run SOURCE_FILTER; if rejected, stop (FILTERED, no destinations run)
//  3. run SOURCE_TRANSFORMER, producing the body destinations receive
//  4. fan out to every enabled destination (sequential or parallel)
//  5. aggregate per-destination results into the returned Result
func (e *Engine) Run(ctx context.Context, raw connector.RawMessage) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "pipeline", "pipeline.run")
	defer span.End()

	start := time.Now()
	defer func() {
		observability.RecordPipelineDuration(e.ChannelID, time.Since(start).Seconds())
	}()

	channelMap := maps.NewScoped()
	sourceMap := maps.NewScoped()
	for k, v := range raw.SourceMap {
		sourceMap.Set(k, v)
	}

	messageID, err := e.Store.CreateMessage(ctx, e.ChannelID, "")
	if err != nil {
		return nil, err
	}

	sourceCM := &store.ConnectorMessage{
		ChannelID: e.ChannelID, MessageID: messageID, MetaDataID: 0,
		ConnectorName: "source", Status: store.StatusReceived, ReceivedAt: raw.ReceivedAt,
	}
	if err := e.Store.WriteContentAtomic(ctx, e.ChannelID, sourceCM, content.New(content.TypeRaw, string(raw.Data), "")); err != nil {
		return nil, err
	}
	observability.RecordConnectorStatus(e.ChannelID, 0, string(store.StatusReceived))

	result := &Result{MessageID: messageID, SourceAccepted: true}

	body := string(raw.Data)

	if accept, err := e.runSourceFilter(ctx, channelMap, sourceMap, body); err != nil {
		return nil, err
	} else if !accept {
		sourceCM.Status = store.StatusFiltered
		if err := e.Store.UpsertConnectorMessage(ctx, e.ChannelID, sourceCM); err != nil {
			return nil, err
		}
		observability.RecordConnectorStatus(e.ChannelID, 0, string(store.StatusFiltered))
		result.SourceAccepted = false
		// A filtered message has reached its terminal outcome: no destination
		// rows will ever exist, so it is processed.
		if err := e.Store.MarkProcessed(ctx, e.ChannelID, messageID); err != nil {
			return nil, err
		}
		return result, nil
	}

	transformed, err := e.runSourceTransformer(ctx, channelMap, sourceMap, body)
	if err != nil {
		return nil, err
	}
	if err := e.Store.WriteContent(ctx, e.ChannelID, messageID, 0, content.New(content.TypeProcessedRaw, body, "")); err != nil {
		return nil, err
	}
	if err := e.Store.WriteContent(ctx, e.ChannelID, messageID, 0, content.New(content.TypeTransformed, transformed, "")); err != nil {
		return nil, err
	}

	sourceCM.Status = store.StatusTransformed
	if err := e.Store.UpsertConnectorMessage(ctx, e.ChannelID, sourceCM); err != nil {
		return nil, err
	}

	results, err := e.dispatchDestinations(ctx, messageID, channelMap, sourceMap, transformed)
	if err != nil {
		return nil, err
	}
	result.DestinationResults = results

	if err := e.runResponseAggregation(ctx, messageID, channelMap, sourceMap, results); err != nil {
		return nil, err
	}

	return result, nil
}

// runResponseAggregation runs once every destination has reached a
// terminal outcome for this invocation, build the ResponseMap
// (metaDataId -> connector.Response), run the channel's RESPONSE script
// against it, persist RESPONSE/PROCESSED_RESPONSE content on the source
// connector-message, and mark the Message processed.
func (e *Engine) runResponseAggregation(ctx context.Context, messageID int64, channelMap, sourceMap *maps.Scoped, results []DestinationResult) error {
	responseMap := maps.NewScoped()
	for _, r := range results {
		responseMap.Set(r.Name, map[string]any{
			"status":     r.Response.Status,
			"statusCode": r.Response.StatusCode,
			"message":    r.Response.Message,
		})
	}

	handle, err := e.Evaluator.Compile(ctx, e.ChannelID, script.ScopeResponse, "")
	if err != nil {
		return ceerrors.NewScript(err, "compile response script channel=%s", e.ChannelID)
	}
	bindings := script.Bindings{
		"channelMap":  channelMap.Snapshot(),
		"sourceMap":   sourceMap.Snapshot(),
		"responseMap": responseMap.Snapshot(),
	}
	resp, err := e.Evaluator.EvaluateResponse(ctx, handle, bindings)
	if err != nil {
		return ceerrors.NewScript(err, "evaluate response script channel=%s", e.ChannelID)
	}

	if err := e.Store.WriteContent(ctx, e.ChannelID, messageID, 0, content.New(content.TypeResponse, resp.Message, "")); err != nil {
		return err
	}
	if err := e.Store.WriteContent(ctx, e.ChannelID, messageID, 0, content.New(content.TypeProcessedResponse, resp.Message, "")); err != nil {
		return err
	}

	// The selected response decides the source connector-message's final
	// status (SENT unless the response script overrides it).
	sourceStatus := statusFromResponse(connector.Response{Status: resp.Status}, nil)
	if err := e.Store.UpdateConnectorStatus(ctx, e.ChannelID, messageID, 0, sourceStatus); err != nil {
		return err
	}
	observability.RecordConnectorStatus(e.ChannelID, 0, string(sourceStatus))

	return e.Store.MarkProcessed(ctx, e.ChannelID, messageID)
}

func (e *Engine) runSourceFilter(ctx context.Context, channelMap, sourceMap *maps.Scoped, body string) (bool, error) {
	handle, err := e.Evaluator.Compile(ctx, e.ChannelID, script.ScopeSourceFilter, "")
	if err != nil {
		return false, ceerrors.NewScript(err, "compile source filter channel=%s", e.ChannelID)
	}
	bindings := script.Bindings{"message": body, "channelMap": channelMap.Snapshot(), "sourceMap": sourceMap.Snapshot()}
	res, err := e.Evaluator.EvaluateFilter(ctx, handle, bindings)
	if err != nil {
		return false, ceerrors.NewScript(err, "evaluate source filter channel=%s", e.ChannelID)
	}
	return res.Accept, nil
}

func (e *Engine) runSourceTransformer(ctx context.Context, channelMap, sourceMap *maps.Scoped, body string) (string, error) {
	handle, err := e.Evaluator.Compile(ctx, e.ChannelID, script.ScopeSourceTransformer, "")
	if err != nil {
		return "", ceerrors.NewScript(err, "compile source transformer channel=%s", e.ChannelID)
	}
	bindings := script.Bindings{"message": body, "channelMap": channelMap.Snapshot(), "sourceMap": sourceMap.Snapshot()}
	res, err := e.Evaluator.EvaluateTransformer(ctx, handle, bindings)
	if err != nil {
		return "", ceerrors.NewScript(err, "evaluate source transformer channel=%s", e.ChannelID)
	}
	if res.ChannelMapDelta != nil {
		channelMap.Merge(res.ChannelMapDelta)
	}
	return res.Body, nil
}

// dispatchDestinations fans the transformed body out to every enabled
// destination, each with its own cloned ConnectorMap.
func (e *Engine) dispatchDestinations(ctx context.Context, messageID int64, channelMap, sourceMap *maps.Scoped, body string) ([]DestinationResult, error) {
	enabled := make([]*config.ConnectorConfig, 0, len(e.Destinations))
	for _, d := range e.Destinations {
		if d.Enabled {
			enabled = append(enabled, d)
		}
	}

	results := make([]DestinationResult, len(enabled))

	run := func(i int) error {
		d := enabled[i]
		connectorMap := channelMap.Clone()
		res, err := e.runDestination(ctx, messageID, d, connectorMap, sourceMap, body)
		results[i] = res
		return err
	}

	if e.Mode == ModeParallel {
		g, gctx := errgroup.WithContext(ctx)
		_ = gctx
		for i := range enabled {
			i := i
			g.Go(func() error {
				return enginerecover.SafeExecute(e.Logger, "destination_dispatch", func() error { return run(i) })
			})
		}
		// errgroup.Wait's first error is enough to know something failed, but
		// every destination's own outcome is already recorded in results[i]:
		// one destination erroring must not prevent others from being tried.
		_ = g.Wait()
		return results, nil
	}

	for i := range enabled {
		if err := enginerecover.SafeExecute(e.Logger, "destination_dispatch", func() error { return run(i) }); err != nil {
			e.Logger.Error("destination_dispatch_failed", "channel", e.ChannelID, "destination", enabled[i].Name, "error", err)
		}
	}
	return results, nil
}

func (e *Engine) runDestination(ctx context.Context, messageID int64, d *config.ConnectorConfig, connectorMap, sourceMap *maps.Scoped, body string) (DestinationResult, error) {
	ctx, span := observability.StartSpan(ctx, "pipeline", "pipeline.destination."+d.Name)
	defer span.End()

	result := DestinationResult{MetaDataID: d.MetaDataID, Name: d.Name}

	accept, filteredBody, err := e.runDestinationFilterTransformer(ctx, connectorMap, sourceMap, d, body)
	if err != nil {
		result.Err = err
		return result, err
	}
	if !accept {
		cm := &store.ConnectorMessage{
			ChannelID: e.ChannelID, MessageID: messageID, MetaDataID: d.MetaDataID,
			ConnectorName: d.Name, Status: store.StatusFiltered, ReceivedAt: time.Now().UTC(),
		}
		if err := e.Store.UpsertConnectorMessage(ctx, e.ChannelID, cm); err != nil {
			result.Err = err
			return result, err
		}
		observability.RecordConnectorStatus(e.ChannelID, d.MetaDataID, string(store.StatusFiltered))
		return result, nil
	}

	sender, ok := e.Senders[d.MetaDataID]
	if !ok {
		err := ceerrors.NewInternal(nil, "no sender registered for destination %s (meta %d)", d.Name, d.MetaDataID)
		result.Err = err
		return result, err
	}

	// The ENCODED row is what the dispatcher (re)sends; it must exist before
	// the first attempt so a queued retry can reload it.
	if err := e.Store.WriteContent(ctx, e.ChannelID, messageID, d.MetaDataID, content.New(content.TypeEncoded, filteredBody, "")); err != nil {
		result.Err = err
		return result, err
	}

	resp, sendErr := sender.Send(ctx, messageID, d.MetaDataID, filteredBody, connectorMap.Snapshot())
	result.Response = resp

	status := statusFromResponse(resp, sendErr)
	attempts := 1
	if status == store.StatusQueued && sendErr == nil {
		attempts = 0 // handed to the queue worker; no send has happened yet
	}
	cm := &store.ConnectorMessage{
		ChannelID: e.ChannelID, MessageID: messageID, MetaDataID: d.MetaDataID,
		ConnectorName: d.Name, Status: status, StatusCode: resp.StatusCode,
		StatusMessage: resp.Message, SendAttempts: attempts, ReceivedAt: time.Now().UTC(),
	}
	contentType := content.TypeSent
	contentBody := filteredBody
	if sendErr != nil {
		contentType = content.TypeProcessingError
		contentBody = sendErr.Error()
	}
	if err := e.Store.WriteContentAtomic(ctx, e.ChannelID, cm, content.New(contentType, contentBody, "")); err != nil {
		result.Err = err
		return result, err
	}
	if sendErr == nil && status == store.StatusSent && resp.Message != "" {
		if err := e.Store.WriteContent(ctx, e.ChannelID, messageID, d.MetaDataID, content.New(content.TypeResponse, resp.Message, "")); err != nil {
			result.Err = err
			return result, err
		}
	}
	observability.RecordConnectorStatus(e.ChannelID, d.MetaDataID, string(status))
	sendOutcome := "sent"
	if sendErr != nil {
		sendOutcome = "error"
	} else if status == store.StatusQueued {
		sendOutcome = "queued"
	}
	observability.RecordSendAttempt(e.ChannelID, d.MetaDataID, sendOutcome)

	result.Err = sendErr
	return result, sendErr
}

// statusFromResponse maps a destination Response onto the
// connector-message status recorded for this pipeline attempt.
func statusFromResponse(resp connector.Response, sendErr error) store.Status {
	if sendErr != nil {
		return store.StatusError
	}
	switch resp.Status {
	case "QUEUED":
		return store.StatusQueued
	case "FILTERED":
		return store.StatusFiltered
	case "ERROR":
		return store.StatusError
	default:
		return store.StatusSent
	}
}

func (e *Engine) runDestinationFilterTransformer(ctx context.Context, connectorMap, sourceMap *maps.Scoped, d *config.ConnectorConfig, body string) (bool, string, error) {
	filterHandle, err := e.Evaluator.Compile(ctx, e.ChannelID, script.ScopeDestinationFilter, "")
	if err != nil {
		return false, "", ceerrors.NewScript(err, "compile destination filter %s", d.Name)
	}
	bindings := script.Bindings{"message": body, "connectorMap": connectorMap.Snapshot(), "sourceMap": sourceMap.Snapshot()}
	filterRes, err := e.Evaluator.EvaluateFilter(ctx, filterHandle, bindings)
	if err != nil {
		return false, "", ceerrors.NewScript(err, "evaluate destination filter %s", d.Name)
	}
	if !filterRes.Accept {
		return false, "", nil
	}

	transformHandle, err := e.Evaluator.Compile(ctx, e.ChannelID, script.ScopeDestinationTransformer, "")
	if err != nil {
		return false, "", ceerrors.NewScript(err, "compile destination transformer %s", d.Name)
	}
	transformRes, err := e.Evaluator.EvaluateTransformer(ctx, transformHandle, bindings)
	if err != nil {
		return false, "", ceerrors.NewScript(err, "evaluate destination transformer %s", d.Name)
	}
	if transformRes.ConnectorMapDelta != nil {
		connectorMap.Merge(transformRes.ConnectorMapDelta)
	}
	return true, transformRes.Body, nil
}
