// Package orchestrator wires the session store, the staging layer, the
// handler registry and the execution engine into one object for embedding
// programs.
package orchestrator

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/llms"

	"github.com/avi3tal/agentcore/internal/engine"
	"github.com/avi3tal/agentcore/internal/graph"
	"github.com/avi3tal/agentcore/internal/handlers"
	"github.com/avi3tal/agentcore/internal/plan"
	"github.com/avi3tal/agentcore/internal/sessionstore"
	"github.com/avi3tal/agentcore/internal/staging"
)

// Listener is polled for new requests to run through the default plan.
// For example, it might be reading from a queue or an HTTP endpoint.
type Listener interface {
	// WaitForRequest blocks until a new request is available or ctx is done.
	WaitForRequest(ctx context.Context) (string, error)
}

// Callback is invoked after each run
type Callback interface {
	OnComplete(ctx context.Context, summary engine.Summary) error
	OnError(ctx context.Context, err error) error
}

// NodeFailedError reports the node that halted a run
type NodeFailedError struct {
	Node    string
	Message string
}

func (e *NodeFailedError) Error() string {
	return fmt.Sprintf("node %s failed: %s", e.Node, e.Message)
}

// Orchestrator is a ready-to-run agent core for one project root
type Orchestrator struct {
	store    sessionstore.Store
	layer    *staging.Layer
	registry *engine.Registry
	engine   *engine.Engine

	model      llms.Model
	extra      map[graph.NodeType]engine.Handler
	engineOpts []engine.Option
	stageOpts  []staging.Option
	listener   Listener
	callback   Callback
	logger     *slog.Logger
}

// Option configures the Orchestrator before it is built
type Option func(*Orchestrator)

// WithStore persists staging sessions in store. The default is the JSON file
// store in the project root. The orchestrator closes the store on Close.
func WithStore(store sessionstore.Store) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

// WithModel backs the default handlers with a language model
func WithModel(m llms.Model) Option {
	return func(o *Orchestrator) {
		o.model = m
	}
}

// WithHandler registers an extra handler, for node types beyond the stock
// ones.
func WithHandler(t graph.NodeType, h engine.Handler) Option {
	return func(o *Orchestrator) {
		o.extra[t] = h
	}
}

// WithEngineOptions forwards options to the execution engine
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *Orchestrator) {
		o.engineOpts = append(o.engineOpts, opts...)
	}
}

// WithStagingOptions forwards options to the staging layer
func WithStagingOptions(opts ...staging.Option) Option {
	return func(o *Orchestrator) {
		o.stageOpts = append(o.stageOpts, opts...)
	}
}

func WithListener(l Listener) Option {
	return func(o *Orchestrator) {
		o.listener = l
	}
}

func WithCallback(cb Callback) Option {
	return func(o *Orchestrator) {
		o.callback = cb
	}
}

// WithLogger sets the logger shared by every component
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New builds an orchestrator for the project at root
func New(ctx context.Context, root string, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		extra:  make(map[graph.NodeType]engine.Handler),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.store == nil {
		store, err := sessionstore.OpenProjectFileStore(root)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open session store")
		}
		o.store = store
	}

	stageOpts := append([]staging.Option{staging.WithLogger(o.logger)}, o.stageOpts...)
	layer, err := staging.New(ctx, root, o.store, stageOpts...)
	if err != nil {
		_ = o.store.Close()
		return nil, errors.Wrap(err, "failed to initialise staging layer")
	}
	o.layer = layer

	o.registry = engine.NewRegistry()
	set := handlers.New(handlers.WithModel(o.model), handlers.WithStager(layer), handlers.WithLogger(o.logger))
	if err := set.Register(o.registry); err != nil {
		_ = o.store.Close()
		return nil, err
	}
	for t, h := range o.extra {
		if err := o.registry.Register(t, h); err != nil {
			_ = o.store.Close()
			return nil, errors.Wrapf(err, "failed to register %s handler", t)
		}
	}

	engineOpts := append([]engine.Option{engine.WithLogger(o.logger)}, o.engineOpts...)
	o.engine = engine.New(o.registry, engineOpts...)
	return o, nil
}

// Staging returns the patch staging layer
func (o *Orchestrator) Staging() *staging.Layer {
	return o.layer
}

// Registry returns the handler registry
func (o *Orchestrator) Registry() *engine.Registry {
	return o.registry
}

// Stream runs g lazily; see engine.Engine.Stream
func (o *Orchestrator) Stream(ctx context.Context, g *graph.Graph, runCtx engine.Context) (iter.Seq[engine.Snapshot], error) {
	return o.engine.Stream(ctx, g, runCtx)
}

// Run executes g and reports the outcome to the callback, if any. A failed
// node is reported in the summary and to Callback.OnError; the returned
// error is reserved for graphs that could not start.
func (o *Orchestrator) Run(ctx context.Context, g *graph.Graph, runCtx engine.Context) (engine.Summary, error) {
	summary, err := o.engine.Run(ctx, g, runCtx)
	if err != nil {
		o.notifyError(ctx, err)
		return summary, errors.Wrap(err, "run: graph rejected")
	}

	if node, failed := engine.FailedNode(g); failed {
		o.notifyError(ctx, &NodeFailedError{Node: node.ID, Message: node.Error})
		return summary, nil
	}
	if o.callback != nil {
		if cbErr := o.callback.OnComplete(ctx, summary); cbErr != nil {
			return summary, fmt.Errorf("run: callback OnComplete failed: %w", cbErr)
		}
	}
	return summary, nil
}

// RunPlan builds p against the registry and runs it
func (o *Orchestrator) RunPlan(ctx context.Context, p *plan.Plan, runCtx engine.Context) (engine.Summary, *graph.Graph, error) {
	g, err := p.Build(plan.WithRegistry(o.registry))
	if err != nil {
		o.notifyError(ctx, err)
		return engine.Summary{}, nil, errors.Wrap(err, "run: invalid plan")
	}
	summary, err := o.Run(ctx, g, runCtx)
	return summary, g, err
}

// RunRequest runs the default analyze, generate and review plan for request
func (o *Orchestrator) RunRequest(ctx context.Context, request string) (engine.Summary, *graph.Graph, error) {
	return o.RunPlan(ctx, plan.Default(request), nil)
}

// Start runs the default plan for every request from the listener until ctx
// is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.listener == nil {
		return errors.New("start called, but no Listener is configured")
	}

	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "orchestrator stopped")
		default:
		}

		request, err := o.listener.WaitForRequest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), "orchestrator stopped")
			}
			o.notifyError(ctx, err)
			continue
		}
		if _, _, err := o.RunRequest(ctx, request); err != nil {
			o.logger.Warn("request failed", slog.String("error", err.Error()))
		}
	}
}

// Close releases the session store
func (o *Orchestrator) Close() error {
	return o.store.Close()
}

func (o *Orchestrator) notifyError(ctx context.Context, err error) {
	if o.callback == nil {
		return
	}
	if cbErr := o.callback.OnError(ctx, err); cbErr != nil {
		o.logger.Warn("callback OnError failed", slog.String("error", cbErr.Error()))
	}
}
