package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	builderpkg "github.com/drblury/behaviorflow/internal/runtime/builder"
	configpkg "github.com/drblury/behaviorflow/internal/runtime/config"
	errspkg "github.com/drblury/behaviorflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/behaviorflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/behaviorflow/internal/runtime/logging"
	transportpkg "github.com/drblury/behaviorflow/internal/runtime/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

const httpShutdownTimeout = 5 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the defaults.
type ServiceDependencies struct {
	Validator        Validator
	Hooks            PipelineHooks
	TransportFactory transportpkg.Factory
	// Builder receives the built-in behaviors and Behaviors. A fresh registry
	// is used when nil.
	Builder      *builderpkg.Registry
	Behaviors    []BehaviorRegistration
	MessageTypes *handlerpkg.MessageTypes
	Handlers     *HandlerRegistry
	// MetricsRegisterer defaults to prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
}

// Service hosts the behavior pipelines on a Watermill router. Every consumed
// message runs through the incoming pipeline on one of the worker executors;
// Send runs the outgoing pipeline on a dedicated executor.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport  transportpkg.Transport
	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router

	builder  *builderpkg.Registry
	types    *handlerpkg.MessageTypes
	handlers *HandlerRegistry

	registry  *InvocationRegistry
	executors []*PipelineExecutor
	workers   chan *PipelineExecutor
	sender    *PipelineExecutor
	sendMu    sync.Mutex

	metrics *PipelineMetrics
	history *pipelineHistory
	subs    subscriptions

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server

	started   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewService constructs a Service for the supplied configuration. Register
// message types and handlers on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating behavior service",
		loggingpkg.LogFields{
			"pubsub_system": conf.PubSubSystem,
			"config":        conf,
		})

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	s := &Service{
		Conf:       conf,
		Logger:     log,
		transport:  transport,
		publisher:  transport.Publisher,
		subscriber: transport.Subscriber,
		builder:    deps.Builder,
		types:      deps.MessageTypes,
		handlers:   deps.Handlers,
		registry:   NewInvocationRegistry(),
		done:       make(chan struct{}),
	}
	if s.builder == nil {
		s.builder = builderpkg.NewRegistry()
	}
	if s.types == nil {
		s.types = handlerpkg.NewMessageTypes()
	}
	if s.handlers == nil {
		s.handlers = NewHandlerRegistry()
	}

	if err := s.init(deps); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) init(deps ServiceDependencies) error {
	router, err := message.NewRouter(message.RouterConfig{}, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if s.Conf.MetricsEnabled {
		if err := s.enableMetrics(deps.MetricsRegisterer); err != nil {
			return err
		}
	}
	mws, err := s.routerMiddlewares()
	if err != nil {
		return err
	}
	s.router.AddMiddleware(mws...)
	if s.Conf.DiagnosticsEnabled {
		s.enableDiagnostics()
	}

	if err := RegisterBuiltinBehaviors(s.builder, BuiltinDependencies{
		Logger:    s.Logger,
		Types:     s.types,
		Handlers:  s.handlers,
		Validator: deps.Validator,
		Publisher: s.publisher,
		Hooks:     deps.Hooks,
	}); err != nil {
		return err
	}
	if err := RegisterBehaviors(s.builder, deps.Behaviors...); err != nil {
		return err
	}

	executorConfig := ExecutorConfig{
		Incoming: pipelineOrDefault(s.Conf.IncomingBehaviors, DefaultIncomingBehaviors()),
		Outgoing: pipelineOrDefault(s.Conf.OutgoingBehaviors, DefaultOutgoingBehaviors()),
		Builder:  s.builder,
		Logger:   s.Logger,
		Registry: s.registry,
	}

	workers := s.Conf.WorkerCount()
	s.workers = make(chan *PipelineExecutor, workers)
	for i := 0; i < workers; i++ {
		exec, err := NewPipelineExecutor(executorConfig)
		if err != nil {
			return err
		}
		s.executors = append(s.executors, exec)
		s.workers <- exec
	}
	s.sender, err = NewPipelineExecutor(executorConfig)
	if err != nil {
		return err
	}
	s.executors = append(s.executors, s.sender)

	for _, queue := range s.Conf.ConsumeQueues {
		s.router.AddConsumerHandler(
			"behaviorflow-"+queue,
			queue,
			s.subscriber,
			s.handleMessage,
		)
	}
	return nil
}

func (s *Service) enableMetrics(registerer prometheus.Registerer) error {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	metricsBuilder := metrics.NewPrometheusMetricsBuilder(registerer, "behaviorflow", s.Conf.PubSubSystem)
	metricsBuilder.AddPrometheusRouterMetrics(s.router)
	publisher, err := metricsBuilder.DecoratePublisher(s.publisher)
	if err != nil {
		return fmt.Errorf("decorate publisher: %w", err)
	}
	s.publisher = publisher

	s.metrics = NewPipelineMetrics(registerer)
	if err := s.metrics.Register(); err != nil {
		return err
	}
	s.subs = append(s.subs, s.metrics.Observe(s.registry))

	if s.Conf.MetricsPort > 0 {
		handler := promhttp.Handler()
		if gatherer, ok := registerer.(prometheus.Gatherer); ok {
			handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
		}
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", handler)
	}
	return nil
}

func pipelineOrDefault(configured []string, defaults []Descriptor) []Descriptor {
	if len(configured) == 0 {
		return defaults
	}
	out := make([]Descriptor, len(configured))
	for i, d := range configured {
		out[i] = Descriptor(d)
	}
	return out
}

// handleMessage runs the incoming pipeline for one consumed message on a
// free worker executor.
func (s *Service) handleMessage(msg *message.Message) error {
	var exec *PipelineExecutor
	select {
	case exec = <-s.workers:
	case <-msg.Context().Done():
		return msg.Context().Err()
	}
	defer func() { s.workers <- exec }()

	ctx, err := exec.PreparePhysicalMessagePipelineContext(PhysicalMessageFromWatermill(msg))
	if err != nil {
		return err
	}
	defer func() {
		if err := exec.CompletePhysicalMessagePipelineContext(); err != nil {
			s.Logger.Error("Failed to complete incoming context", err, loggingpkg.LogFields{"message_id": msg.UUID})
		}
	}()
	ctx.SetContext(msg.Context())

	err = exec.InvokeReceivePhysicalMessagePipeline()
	if err != nil && isPermanent(err) && s.Conf.PoisonQueue == "" {
		// Redelivery cannot change the outcome, so the message is acked.
		s.Logger.Error("Dropping unprocessable message", err, loggingpkg.LogFields{"message_id": msg.UUID})
		return nil
	}
	return err
}

// Send runs the outgoing pipeline for msg outside of any message flow and
// returns the id of the dispatched physical message. Behaviors sending from
// within a pipeline use BehaviorContext.Send instead.
func (s *Service) Send(ctx context.Context, options DeliveryOptions, msg *LogicalMessage) (string, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.sender.CurrentContext().SetContext(ctx)
	out, err := s.sender.InvokeSendPipeline(options, msg)
	if err != nil {
		return "", err
	}
	id, _ := Value[string](out, DispatchedMessageIDKey)
	return id, nil
}

// Publish wraps instance in a logical message and sends it to destination.
func (s *Service) Publish(ctx context.Context, destination string, instance any) (string, error) {
	return s.Send(ctx, DeliveryOptions{Destination: destination}, NewLogicalMessage(instance, nil))
}

// Instances observes every pipeline invocation of the service's executors.
func (s *Service) Instances() *InvocationRegistry { return s.registry }

// Metrics returns the pipeline metrics, or nil when metrics are disabled.
func (s *Service) Metrics() *PipelineMetrics { return s.metrics }

// MessageTypes is the registry the deserialize behavior decodes with.
func (s *Service) MessageTypes() *handlerpkg.MessageTypes { return s.types }

// Handlers is the registry the invoke-handlers behavior dispatches to.
func (s *Service) Handlers() *HandlerRegistry { return s.handlers }

// Builder is the component registry behaviors are resolved from.
func (s *Service) Builder() *builderpkg.Registry { return s.builder }

// Start runs the underlying Watermill router until the provided context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.started.Store(true)
	s.startHTTPServers(ctx)
	s.startTransport(ctx)
	return routerRun(s.router, ctx)
}

// startTransport runs the transport's Start hook once every consumer
// handler has subscribed.
func (s *Service) startTransport(ctx context.Context) {
	if s.transport.Start == nil {
		return
	}
	go func() {
		select {
		case <-s.router.Running():
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
		if err := s.transport.Start(); err != nil {
			s.Logger.Error("Failed to start transport", err, nil)
		}
	}()
}

// Running is closed once the router has started all consumer handlers.
func (s *Service) Running() chan struct{} { return s.router.Running() }

// Close stops the router, the HTTP servers and the executors, then closes
// the transport. It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.done != nil {
			close(s.done)
		}
		// An unstarted router would wait out its close timeout for handlers
		// that never ran.
		if s.router != nil && s.started.Load() {
			errs = append(errs, s.router.Close())
		}
		s.shutdownHTTPServers()
		s.subs.Unsubscribe()
		for _, exec := range s.executors {
			errs = append(errs, exec.Close())
		}
		s.registry.Close()
		errs = append(errs, s.transport.Close())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(ctx context.Context) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.servers = append(s.servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}

	if len(s.servers) > 0 {
		go func() {
			<-ctx.Done()
			s.shutdownHTTPServers()
		}()
	}
}

func (s *Service) shutdownHTTPServers() {
	s.httpServersMu.Lock()
	servers := s.servers
	s.servers = nil
	s.httpServersMu.Unlock()

	for _, srv := range servers {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		if err := srv.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to shut down HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
		}
		cancel()
	}
}
