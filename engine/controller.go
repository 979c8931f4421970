// Package engine implements the engine controller: the single
// mutator of every deployed channel's state machine, the registry other
// packages never hold direct references into, and the broker a REST control
// plane would call into for lifecycle requests.
//
// The Controller is an explicit process-context object rather than a
// global: callers construct one and pass it around, never reaching for
// package-level state.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/channelengine/ceerrors"
	"github.com/jeeves-cluster-organization/channelengine/celog"
	"github.com/jeeves-cluster-organization/channelengine/channelstate"
	"github.com/jeeves-cluster-organization/channelengine/config"
	"github.com/jeeves-cluster-organization/channelengine/connector"
	"github.com/jeeves-cluster-organization/channelengine/content"
	"github.com/jeeves-cluster-organization/channelengine/dispatch"
	"github.com/jeeves-cluster-organization/channelengine/events"
	"github.com/jeeves-cluster-organization/channelengine/maps"
	"github.com/jeeves-cluster-organization/channelengine/observability"
	"github.com/jeeves-cluster-organization/channelengine/pipeline"
	"github.com/jeeves-cluster-organization/channelengine/script"
	"github.com/jeeves-cluster-organization/channelengine/store"
)

// StopGrace is the default grace period a stop is allowed to
// drain in-flight destination work before giving up.
const StopGrace = 30 * time.Second

// dispatchable is the subset of connector.Source a concrete transport must
// also satisfy so the engine controller can wire it to a pipeline.Engine
// without either package importing the other directly.
type dispatchable interface {
	connector.Source
	SetDispatcher(connector.Dispatcher)
}

// Wiring is everything a caller supplies for one channel's connectors at
// Deploy time: the engine controller does not know how to construct a
// concrete transport.
type Wiring struct {
	Source       connector.Source
	Destinations map[int]connector.Destination // metaDataId -> Destination
}

// DeployedChannel is everything live
// about one deployed configuration revision.
type DeployedChannel struct {
	Config  *config.ChannelConfig
	State   *channelstate.Machine
	Events  *events.Bus
	source  connector.Source
	engine  *pipeline.Engine
	workers map[int]*dispatch.Worker
	cancel  context.CancelFunc

	// mu serializes lifecycle requests for this channel: each of
	// Start/Stop/Pause/Resume/Halt/Undeploy holds it for its full duration,
	// including worker and source side effects, so concurrent control-plane
	// calls run one at a time rather than interleaving.
	mu sync.Mutex
}

// Status is one channel's dashboard view: runtime state plus per-
// connector statistics.
type Status struct {
	ChannelID  string
	Name       string
	State      channelstate.State
	Statistics []*store.Statistics
}

// Controller is the process context object that stands in for a global
// singleton: one Controller owns the channel registry, the shared
// store, map registry, and script evaluator for every deployed channel.
type Controller struct {
	mu       sync.RWMutex
	channels map[string]*DeployedChannel

	Store       *store.Store
	MapRegistry *maps.Registry
	Evaluator   script.Evaluator
	Logger      celog.Logger

	// Shadow, when true, implements MIRTH_SHADOW_MODE: the
	// pipeline ingests and persists but never dispatches to destinations.
	Shadow bool
}

// New builds a Controller. evaluator may be script.NoopEvaluator{}.
func New(st *store.Store, mapRegistry *maps.Registry, evaluator script.Evaluator, logger celog.Logger) *Controller {
	if logger == nil {
		logger = celog.Noop()
	}
	return &Controller{
		channels:    make(map[string]*DeployedChannel),
		Store:       st,
		MapRegistry: mapRegistry,
		Evaluator:   evaluator,
		Logger:      logger.Bind("component", "engine"),
	}
}

// Channel returns the DeployedChannel for id, or (nil, false) if not
// currently deployed.
func (c *Controller) Channel(id string) (*DeployedChannel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dc, ok := c.channels[id]
	return dc, ok
}

// DeployAll deploys every channel in dependsOn order, failing
// fast on the first deploy error. wirings is keyed by channel id.
func (c *Controller) DeployAll(ctx context.Context, channels []*config.ChannelConfig, wirings map[string]Wiring) error {
	plan, err := config.BuildDeploymentPlan(channels)
	if err != nil {
		return ceerrors.NewValidation("engine: %v", err)
	}
	byID := make(map[string]*config.ChannelConfig, len(channels))
	for _, cfg := range channels {
		byID[cfg.ID] = cfg
	}
	for _, id := range plan.Order() {
		w, ok := wirings[id]
		if !ok {
			return ceerrors.NewValidation("engine: no connector wiring supplied for channel %s", id)
		}
		if err := c.Deploy(ctx, byID[id], w); err != nil {
			return err
		}
	}
	return nil
}

// Deploy materializes a ChannelConfig into a running DeployedChannel: it
// creates the channel's store tables, builds the pipeline
// engine and destination workers, and transitions
// UNDEPLOYED -> DEPLOYING -> DEPLOYED:{STOPPED,STARTED} per the configured
// initialState. Every channel named in cfg.DependsOn must already be in
// some DEPLOYED substate.
func (c *Controller) Deploy(ctx context.Context, cfg *config.ChannelConfig, wiring Wiring) error {
	if err := cfg.Validate(); err != nil {
		return ceerrors.NewValidation("engine: %v", err)
	}
	source, ok := wiring.Source.(dispatchable)
	if !ok {
		return ceerrors.NewValidation("engine: source connector for channel %s does not support dispatch wiring", cfg.ID)
	}

	if err := c.checkDependencies(cfg); err != nil {
		return err
	}

	c.mu.Lock()
	if _, exists := c.channels[cfg.ID]; exists {
		c.mu.Unlock()
		return ceerrors.NewConflict("engine: channel %s already deployed", cfg.ID)
	}
	c.mu.Unlock()

	if err := c.Store.EnsureChannelTables(ctx, cfg.ID); err != nil {
		return err
	}

	machine := channelstate.New(cfg.ID)
	bus := events.New(cfg.ID, c.Logger)
	machine.AddListener(func(channelID string, from, to channelstate.State) {
		observability.RecordStateTransition(channelID, string(from), string(to))
		bus.PublishStateChanged(string(from), string(to))
	})

	if err := machine.Transition(channelstate.StateDeploying); err != nil {
		return err
	}

	workers, senders, err := c.buildDestinationWorkers(cfg, wiring)
	if err != nil {
		return err
	}

	eng := &pipeline.Engine{
		ChannelID:    cfg.ID,
		Mode:         fanOutMode(cfg),
		Destinations: cfg.SortedDestinations(),
		Senders:      senders,
		Evaluator:    c.Evaluator,
		Store:        c.Store,
		MapRegistry:  c.MapRegistry,
		Logger:       c.Logger,
	}
	if c.Shadow {
		eng.Destinations = nil // shadow mode: ingest and persist only
	}

	dc := &DeployedChannel{Config: cfg, State: machine, Events: bus, source: wiring.Source, engine: eng, workers: workers}

	source.SetDispatcher(func(dctx context.Context, raw connector.RawMessage) error {
		if machine.State() != channelstate.StateDeployedStarted {
			return ceerrors.NewState("channel %s: source not accepting in state %s", cfg.ID, machine.State())
		}
		result, err := eng.Run(dctx, raw)
		if err != nil {
			return err
		}
		bus.PublishMessageProcessed(result.MessageID, allTerminalSuccess(result))
		return nil
	})

	c.mu.Lock()
	c.channels[cfg.ID] = dc
	c.mu.Unlock()

	// The channel is visible in the registry from here on, so the rest of
	// the deploy competes with lifecycle requests like any other.
	dc.mu.Lock()
	defer dc.mu.Unlock()

	initial := channelstate.StateDeployedStopped
	if cfg.InitialState == "STARTED" {
		initial = channelstate.StateDeployedStarted
	}
	if err := machine.Transition(initial); err != nil {
		return err
	}
	if initial == channelstate.StateDeployedStarted {
		return c.startChannel(ctx, dc)
	}
	return nil
}

func (c *Controller) checkDependencies(cfg *config.ChannelConfig) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, dep := range cfg.DependsOn {
		depChannel, ok := c.channels[dep]
		if !ok || !depChannel.State.State().IsDeployed() {
			return ceerrors.NewState("engine: channel %s depends on %s which is not deployed", cfg.ID, dep)
		}
	}
	return nil
}

func (c *Controller) buildDestinationWorkers(cfg *config.ChannelConfig, wiring Wiring) (map[int]*dispatch.Worker, map[int]pipeline.Sender, error) {
	workers := make(map[int]*dispatch.Worker, len(cfg.Destinations))
	senders := make(map[int]pipeline.Sender, len(cfg.Destinations))
	for _, d := range cfg.SortedDestinations() {
		dest, ok := wiring.Destinations[d.MetaDataID]
		if !ok {
			return nil, nil, ceerrors.NewValidation("engine: no destination connector wired for %s (meta %d)", d.Name, d.MetaDataID)
		}
		settings := dispatch.Settings{
			QueueEnabled:          d.QueueEnabled,
			ThreadCount:           d.ThreadCount,
			BufferSize:            d.BufferSize,
			RetryCount:            d.MaxRetries,
			RetryInterval:         time.Duration(d.RetryDelayMS) * time.Millisecond,
			Rotate:                d.Rotate,
			SendFirst:             d.SendFirst,
			QueueOnResponseStatus: toSet(d.QueueOnResponseStatuses),
		}

		metaID := d.MetaDataID
		destName := d.Name
		worker := dispatch.New(cfg.ID, metaID, dest, settings, func(rctx context.Context, item dispatch.Item, resp connector.Response, err error) {
			c.recordDestinationResult(rctx, cfg.ID, metaID, destName, item, resp, err)
		}, c.Logger)
		workers[metaID] = worker
		senders[metaID] = worker
	}
	return workers, senders, nil
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}

func fanOutMode(cfg *config.ChannelConfig) pipeline.Mode {
	if cfg.Properties["processDestinationsInParallel"] == "true" {
		return pipeline.ModeParallel
	}
	return pipeline.ModeSequential
}

func allTerminalSuccess(result *pipeline.Result) bool {
	if !result.SourceAccepted {
		return false
	}
	for _, r := range result.DestinationResults {
		if r.Err != nil {
			return false
		}
	}
	return true
}

// recordDestinationResult persists a dispatcher-originated terminal result
// (the final outcome of a retry sequence run on the worker's own
// goroutine, as opposed to the pipeline's own first attempt): the terminal
// status, the attempt count, and a RESPONSE or PROCESSING_ERROR content
// row commit atomically, so queued sends keep status and content in step.
func (c *Controller) recordDestinationResult(ctx context.Context, channelID string, metaDataID int, name string, item dispatch.Item, resp connector.Response, err error) {
	status := store.StatusSent
	outcome := "sent"
	if err != nil {
		status, outcome = store.StatusError, "error"
	} else if resp.Status == "QUEUED" {
		status, outcome = store.StatusQueued, "queued"
	} else if resp.Status == "FILTERED" {
		status, outcome = store.StatusFiltered, "filtered"
	}

	now := time.Now().UTC()
	cm := &store.ConnectorMessage{
		ChannelID: channelID, MessageID: item.MessageID, MetaDataID: metaDataID,
		ConnectorName: name, Status: status, StatusCode: resp.StatusCode,
		StatusMessage: resp.Message, SendAttempts: item.Attempts + 1,
		ReceivedAt: now, SentAt: &now,
	}
	var row *content.Content
	if err != nil {
		row = content.New(content.TypeProcessingError, err.Error(), "")
	} else {
		row = content.New(content.TypeResponse, resp.Message, "")
	}
	if werr := c.Store.WriteContentAtomic(ctx, channelID, cm, row); werr != nil {
		c.Logger.Error("destination_result_persist_failed", "channel", channelID, "meta_data_id", metaDataID, "error", werr)
	}

	observability.RecordConnectorStatus(channelID, metaDataID, string(status))
	observability.RecordSendAttempt(channelID, metaDataID, outcome)
	if err != nil {
		c.Logger.Warn("destination_retry_exhausted", "channel", channelID, "destination", name, "meta_data_id", metaDataID, "error", err)
	}
}

// Start transitions a channel to DEPLOYED:STARTED and starts its source
// and destination workers.
func (c *Controller) Start(ctx context.Context, channelID string) error {
	dc, err := c.require(channelID)
	if err != nil {
		return err
	}
	for _, dep := range dc.Config.DependsOn {
		depDC, ok := c.Channel(dep)
		if !ok || depDC.State.State() != channelstate.StateDeployedStarted {
			return ceerrors.NewState("channel %s: dependency %s is not started", channelID, dep)
		}
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if err := dc.State.Transition(channelstate.StateDeployedStarted); err != nil {
		return err
	}
	return c.startChannel(ctx, dc)
}

// startChannel starts the workers and source. Caller holds dc.mu.
func (c *Controller) startChannel(ctx context.Context, dc *DeployedChannel) error {
	runCtx, cancel := context.WithCancel(context.Background())
	dc.cancel = cancel
	for _, w := range dc.workers {
		w.Start(runCtx)
	}
	return dc.source.Start(runCtx)
}

// Stop drains in-flight destination work up to StopGrace, then transitions
// to DEPLOYED:STOPPED.
func (c *Controller) Stop(ctx context.Context, channelID string) error {
	dc, err := c.require(channelID)
	if err != nil {
		return err
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if err := dc.source.Stop(ctx); err != nil {
		c.Logger.Warn("source_stop_error", "channel", channelID, "error", err)
	}
	for _, w := range dc.workers {
		w.Stop(StopGrace)
	}
	return dc.State.Transition(channelstate.StateDeployedStopped)
}

// Pause disables source acceptance only; destination workers continue
// draining their queues.
func (c *Controller) Pause(ctx context.Context, channelID string) error {
	dc, err := c.require(channelID)
	if err != nil {
		return err
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.State.Transition(channelstate.StateDeployedPaused)
}

// Resume re-enables source acceptance.
func (c *Controller) Resume(ctx context.Context, channelID string) error {
	dc, err := c.require(channelID)
	if err != nil {
		return err
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.State.Transition(channelstate.StateDeployedStarted)
}

// Halt cancels in-flight work immediately: the
// channel's cancellation token is cancelled, workers are told to abandon
// in-flight retries, and the state becomes DEPLOYED:STOPPED.
func (c *Controller) Halt(ctx context.Context, channelID string) error {
	dc, err := c.require(channelID)
	if err != nil {
		return err
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if err := dc.State.Transition(channelstate.StateHalting); err != nil {
		return err
	}
	if dc.cancel != nil {
		dc.cancel()
	}
	dc.source.Stop(ctx)
	for _, w := range dc.workers {
		w.Halt()
	}
	return dc.State.Transition(channelstate.StateDeployedStopped)
}

// Undeploy tears a channel down entirely, releasing its maps and removing
// it from the registry.
func (c *Controller) Undeploy(ctx context.Context, channelID string) error {
	dc, err := c.require(channelID)
	if err != nil {
		return err
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.State.State().IsDeployed() {
		if err := dc.State.Transition(channelstate.StateUndeploying); err != nil {
			return err
		}
		dc.source.Stop(ctx)
		for _, w := range dc.workers {
			w.Stop(StopGrace)
		}
	}
	if err := dc.State.Transition(channelstate.StateUndeployed); err != nil {
		return err
	}
	dc.Events.Close()
	c.MapRegistry.DropChannel(channelID)

	c.mu.Lock()
	delete(c.channels, channelID)
	c.mu.Unlock()
	return nil
}

// InjectRaw runs one raw payload through a deployed channel's pipeline as
// if its source connector had received it,
// returning the assigned message id. The channel must be started.
func (c *Controller) InjectRaw(ctx context.Context, channelID string, data []byte, sourceMap map[string]any) (int64, error) {
	dc, err := c.require(channelID)
	if err != nil {
		return 0, err
	}
	if dc.State.State() != channelstate.StateDeployedStarted {
		return 0, ceerrors.NewState("channel %s: cannot inject in state %s", channelID, dc.State.State())
	}
	result, err := dc.engine.Run(ctx, connector.RawMessage{
		Data:       data,
		SourceMap:  sourceMap,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}
	dc.Events.PublishMessageProcessed(result.MessageID, allTerminalSuccess(result))
	return result.MessageID, nil
}

// Reprocess re-runs a stored message's RAW content through the pipeline as
// a new message, recording the lineage on the new row via importId.
// Returns the new message id.
func (c *Controller) Reprocess(ctx context.Context, channelID string, messageID int64) (int64, error) {
	raw, err := c.Store.ReadContent(ctx, channelID, messageID, 0, content.TypeRaw)
	if err != nil {
		return 0, err
	}
	newID, err := c.InjectRaw(ctx, channelID, []byte(raw.Text), map[string]any{"reprocessed": true})
	if err != nil {
		return 0, err
	}
	if err := c.Store.MarkImported(ctx, channelID, newID, messageID, channelID); err != nil {
		return 0, err
	}
	return newID, nil
}

// DeleteMessages bulk-deletes a deployed channel's messages matching opts,
// returning how many were removed.
func (c *Controller) DeleteMessages(ctx context.Context, channelID string, opts store.ListOptions) (int64, error) {
	if _, err := c.require(channelID); err != nil {
		return 0, err
	}
	return c.Store.DeleteMessages(ctx, channelID, opts)
}

// ResetStatistics zeros a deployed channel's statistics counters, with the
// same optional connector/status narrowing the store accepts.
func (c *Controller) ResetStatistics(ctx context.Context, channelID string, metaDataIDs []int, statuses []store.Status) error {
	if _, err := c.require(channelID); err != nil {
		return err
	}
	return c.Store.ResetStatistics(ctx, channelID, metaDataIDs, statuses)
}

// Status returns the dashboard view for one channel.
func (c *Controller) Status(ctx context.Context, channelID string) (*Status, error) {
	dc, err := c.require(channelID)
	if err != nil {
		return nil, err
	}
	stats, err := c.Store.Statistics(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return &Status{ChannelID: channelID, Name: dc.Config.Name, State: dc.State.State(), Statistics: stats}, nil
}

// Statuses returns every deployed channel's status.
func (c *Controller) Statuses(ctx context.Context) ([]*Status, error) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.channels))
	for id := range c.channels {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	out := make([]*Status, 0, len(ids))
	for _, id := range ids {
		st, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (c *Controller) require(channelID string) (*DeployedChannel, error) {
	dc, ok := c.Channel(channelID)
	if !ok {
		return nil, ceerrors.NewNotFound("engine: channel %s is not deployed", channelID)
	}
	return dc, nil
}
