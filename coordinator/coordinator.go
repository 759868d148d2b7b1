package coordinator

import (
	"context"
	"runtime"
	"time"

	"github.com/iotaledger/hive.go/ds/shrinkingmap"
	"github.com/iotaledger/hive.go/ierrors"
	"github.com/iotaledger/hive.go/log"
	"github.com/iotaledger/hive.go/runtime/contextutils"
	"github.com/iotaledger/hive.go/runtime/options"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/threadloom/loom/channel"
	"github.com/threadloom/loom/resource"
)

// ErrShutdown is returned when requests are submitted to a Coordinator that was shut down.
var ErrShutdown = ierrors.New("coordinator was shut down")

// region Coordinator //////////////////////////////////////////////////////////////////////////////////////////////////

// Coordinator ties locked resource mutation to asynchronous result delivery: submitted requests are executed by a
// worker pool with exclusive access to all resources they name, and their results (successes and failures alike) are
// published exactly once to the request's topic, where consumers take them asynchronously.
//
// The resource locks of a request are always released before its result is published, so slow consumers can never
// stretch lock hold times or entangle channel backpressure with the lock order.
//
// A Coordinator is created with New and stays usable after any individual request fails; Shutdown releases all
// blocked operations and closes all topics.
type Coordinator[V any] struct {
	// registry owns the resources that requests operate on.
	registry *resource.Registry[V]

	// topics maps topic names to the channels results are published to.
	topics *shrinkingmap.ShrinkingMap[string, *channel.Channel[*Result]]

	// workers executes the submitted requests.
	workers *executor

	// events are the lifecycle events of this Coordinator.
	events *Events

	// metrics instruments this Coordinator.
	metrics *metrics

	// logger is the logger of this Coordinator.
	logger log.Logger

	// optWorkerCount is the number of workers (0 uses the worker pool's default).
	optWorkerCount int

	// optTopicCapacity bounds each topic channel (0 means unbounded).
	optTopicCapacity int

	// optRegisterer registers the metrics (nil leaves them unregistered).
	optRegisterer prometheus.Registerer

	// shutdownCtx is canceled when the Coordinator shuts down.
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	// shutdownStarted makes Shutdown idempotent.
	shutdownStarted atomic.Bool
}

// New creates a started Coordinator operating on the given Registry.
func New[V any](registry *resource.Registry[V], opts ...options.Option[Coordinator[V]]) (c *Coordinator[V]) {
	c = options.Apply(&Coordinator[V]{
		registry: registry,
		topics:   shrinkingmap.New[string, *channel.Channel[*Result]](),
	}, opts)

	if c.logger == nil {
		c.logger = log.NewLogger(log.WithName("coordinator"))
	}

	c.events = newEvents()
	c.metrics = newMetrics(c.optRegisterer)
	c.shutdownCtx, c.shutdownCancel = context.WithCancel(context.Background())

	workerCount := c.optWorkerCount
	if workerCount <= 0 {
		workerCount = 2 * runtime.NumCPU()
	}
	c.workers = newExecutor(workerCount)

	return c
}

// Submit accepts a Request for asynchronous execution and returns the Handle tracking its lifecycle.
//
// The given context bounds the whole execution of the Request: cancelling it aborts a pending lock acquisition (with
// full rollback) and a pending result publication. Submit itself never blocks.
func (c *Coordinator[V]) Submit(ctx context.Context, request Request[V]) (handle *Handle, err error) {
	handle = newHandle()
	if !c.workers.submit(func() { c.execute(ctx, request, handle) }) {
		return nil, ErrShutdown
	}

	return handle, nil
}

// Topic returns the channel that results for the given topic name are published to, creating it on first use.
// Consumers receive results by calling Take on the returned channel.
func (c *Coordinator[V]) Topic(name string) (topic *channel.Channel[*Result]) {
	topic, created := c.topics.GetOrCreate(name, func() *channel.Channel[*Result] {
		if c.optTopicCapacity > 0 {
			return channel.New[*Result](channel.WithCapacity[*Result](c.optTopicCapacity))
		}

		return channel.New[*Result]()
	})

	// topics requested after the shutdown start immediately at end-of-stream.
	if created && c.shutdownCtx.Err() != nil {
		topic.Close()
	}

	return topic
}

// Events returns the lifecycle events of this Coordinator.
func (c *Coordinator[V]) Events() (events *Events) {
	return c.events
}

// Registry returns the Registry this Coordinator operates on.
func (c *Coordinator[V]) Registry() (registry *resource.Registry[V]) {
	return c.registry
}

// Shutdown stops the Coordinator: it aborts all blocked operations of in-flight requests, waits for the workers to
// finish and closes all topics so consumers can drain the remaining results. Shutdown is idempotent.
func (c *Coordinator[V]) Shutdown() {
	if !c.shutdownStarted.CompareAndSwap(false, true) {
		return
	}

	c.logger.LogInfo("shutting down")

	c.shutdownCancel()
	c.workers.shutdown()

	c.topics.ForEach(func(_ string, topic *channel.Channel[*Result]) bool {
		topic.Close()

		return true
	})

	c.logger.LogInfo("shutdown complete")
}

// execute runs a single Request on a worker goroutine, driving it through its lifecycle states.
func (c *Coordinator[V]) execute(ctx context.Context, request Request[V], handle *Handle) {
	mergedCtx, mergedCtxCancel := contextutils.MergeContexts(ctx, c.shutdownCtx)
	defer mergedCtxCancel()

	handle.transition(StateLocksAcquiring)
	lockWaitStart := time.Now()

	var value any
	mutationReached := false
	err := c.registry.WithLocked(mergedCtx, request.ResourceIDs, func(locked map[resource.ID]*resource.Resource[V]) error {
		c.metrics.lockWaitDuration.Observe(time.Since(lockWaitStart).Seconds())

		mutationReached = true
		handle.transition(StateMutating)

		mutatedValue, mutationErr := request.Mutate(locked)
		if mutationErr != nil {
			return mutationErr
		}
		value = mutatedValue

		return nil
	})

	if err != nil {
		// a request that was canceled or timed out before its mutation ran leaves no trace and is only
		// surfaced to the submitter; everything else is a failure that is also published to the topic.
		if !mutationReached && isContextError(err) {
			c.logger.LogDebugf("request %s canceled: %s", handle.id, err)
			c.finishRequest(handle, StateCancelled, err)

			return
		}

		c.failRequest(mergedCtx, request, handle, err)

		return
	}

	handle.transition(StatePublishing)
	if publishErr := c.publish(mergedCtx, &Result{RequestID: handle.id, Topic: request.Topic, Value: value}); publishErr != nil {
		c.failRequest(mergedCtx, request, handle, ierrors.Wrap(publishErr, "mutation was applied but the result could not be published"))

		return
	}

	c.logger.LogDebugf("request %s completed", handle.id)
	c.finishRequest(handle, StateCompleted, nil)
	c.events.RequestCompleted.Trigger(&Result{RequestID: handle.id, Topic: request.Topic, Value: value})
}

// failRequest finishes a Request in the Failed state and publishes its failure Result (best effort: the failure of
// a request must never be lost to consumers, but a closed topic or an aborted context can only be logged).
func (c *Coordinator[V]) failRequest(ctx context.Context, request Request[V], handle *Handle, err error) {
	c.logger.LogWarnf("request %s failed: %s", handle.id, err)

	c.finishRequest(handle, StateFailed, err)

	failureResult := &Result{RequestID: handle.id, Topic: request.Topic, Err: err}
	if publishErr := c.publish(ctx, failureResult); publishErr != nil {
		c.logger.LogWarnf("failure result of request %s could not be published: %s", handle.id, publishErr)
	}

	c.events.RequestFailed.Trigger(failureResult)
}

// finishRequest records the terminal state of a Request on its Handle and in the metrics.
func (c *Coordinator[V]) finishRequest(handle *Handle, state State, err error) {
	handle.finish(state, err)
	c.metrics.requestsTotal.WithLabelValues(state.String()).Inc()
}

// publish delivers the given Result to its topic, blocking for backpressure until the context is canceled. Results
// without a topic are not published.
func (c *Coordinator[V]) publish(ctx context.Context, result *Result) (err error) {
	if result.Topic == "" {
		return nil
	}

	if err = c.Topic(result.Topic).Put(ctx, result); err != nil {
		return ierrors.Wrapf(err, "failed to publish result of request %s to topic %s", result.RequestID, result.Topic)
	}
	c.metrics.publishedResults.Inc()

	return nil
}

// isContextError returns true if the given error stems from a canceled context or an expired deadline.
func isContextError(err error) (isContextError bool) {
	return ierrors.Is(err, context.Canceled) || ierrors.Is(err, context.DeadlineExceeded)
}

// endregion ///////////////////////////////////////////////////////////////////////////////////////////////////////////

// region Options //////////////////////////////////////////////////////////////////////////////////////////////////////

// WithWorkerCount sets the number of workers executing requests.
func WithWorkerCount[V any](workerCount int) options.Option[Coordinator[V]] {
	return func(c *Coordinator[V]) {
		c.optWorkerCount = workerCount
	}
}

// WithTopicCapacity bounds the topic channels, making publications block once a topic's consumers fall behind by the
// given number of results.
func WithTopicCapacity[V any](topicCapacity int) options.Option[Coordinator[V]] {
	return func(c *Coordinator[V]) {
		c.optTopicCapacity = topicCapacity
	}
}

// WithLogger sets the logger of the Coordinator.
func WithLogger[V any](logger log.Logger) options.Option[Coordinator[V]] {
	return func(c *Coordinator[V]) {
		c.logger = logger
	}
}

// WithMetricsRegisterer registers the Coordinator's metrics with the given registerer.
func WithMetricsRegisterer[V any](registerer prometheus.Registerer) options.Option[Coordinator[V]] {
	return func(c *Coordinator[V]) {
		c.optRegisterer = registerer
	}
}

// endregion ///////////////////////////////////////////////////////////////////////////////////////////////////////////
