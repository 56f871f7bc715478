package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// ErrInboundQueueFull is returned when the inbound worker pool cannot accept more messages.
var ErrInboundQueueFull = errors.New("inbound queue full")

// InboundProcessor runs the gateway pipeline for one normalized message.
type InboundProcessor interface {
	HandleInbound(ctx context.Context, msg InboundMessage) error
}

// Middleware wraps an InboundHandler to add cross-cutting behavior.
type Middleware func(next InboundHandler) InboundHandler

// ConnectionStatus describes runtime status for one channel connection.
type ConnectionStatus struct {
	ChannelType ChannelType `json:"channel_type"`
	Running     bool        `json:"running"`
	LastError   string      `json:"last_error,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ManagerOptions tunes the inbound worker pool and reconnect loop.
type ManagerOptions struct {
	QueueSize       int
	Workers         int
	RefreshInterval time.Duration
}

// Manager coordinates channel adapters, connection lifecycle, and inbound dispatch.
// Connection lifecycle lives in connection.go.
type Manager struct {
	registry        *Registry
	processor       InboundProcessor
	refreshInterval time.Duration
	logger          *slog.Logger
	middlewares     []Middleware

	inboundQueue   chan inboundTask
	inboundWorkers int
	inboundOnce    sync.Once
	inboundCtx     context.Context
	inboundCancel  context.CancelFunc
	workersWG      sync.WaitGroup
	mu             sync.Mutex
	refreshMu      sync.Mutex
	connections    map[ChannelType]Connection
	connectionMeta map[ChannelType]ConnectionStatus
}

type inboundTask struct {
	ctx context.Context
	msg InboundMessage
}

// NewManager creates a Manager with the given logger, registry, and inbound processor.
func NewManager(log *slog.Logger, registry *Registry, processor InboundProcessor, opts ManagerOptions) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Minute
	}
	return &Manager{
		registry:        registry,
		processor:       processor,
		refreshInterval: opts.RefreshInterval,
		connections:     map[ChannelType]Connection{},
		connectionMeta:  map[ChannelType]ConnectionStatus{},
		logger:          log.With(slog.String("component", "channel")),
		middlewares:     []Middleware{},
		inboundQueue:    make(chan inboundTask, opts.QueueSize),
		inboundWorkers:  opts.Workers,
	}
}

// Registry returns the adapter registry used by this manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Use appends middleware to the inbound processing chain.
func (m *Manager) Use(mw ...Middleware) {
	m.middlewares = append(m.middlewares, mw...)
}

// RegisterAdapter adds an adapter to the registry and logs the registration.
func (m *Manager) RegisterAdapter(adapter Adapter) {
	if adapter == nil {
		return
	}
	if err := m.registry.Register(adapter); err != nil {
		m.logger.Warn("adapter registration failed", slog.String("channel", adapter.Type().String()), slog.Any("error", err))
		return
	}
	m.logger.Info("adapter registered", slog.String("channel", adapter.Type().String()))
}

// Start launches the inbound worker pool, connects every receiver, and keeps
// reconnecting stopped receivers until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("manager start")
	m.startInboundWorkers(ctx)
	go func() {
		m.refresh(ctx)
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("manager stop")
				m.stopAll(context.WithoutCancel(ctx))
				return
			case <-ticker.C:
				m.refresh(ctx)
			}
		}
	}()
}

// HandleInbound queues a normalized message for the worker pool. It never blocks:
// when the queue is full the message is rejected with ErrInboundQueueFull.
func (m *Manager) HandleInbound(ctx context.Context, msg InboundMessage) error {
	return m.handler()(ctx, msg)
}

func (m *Manager) handler() InboundHandler {
	handler := m.enqueue
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		handler = m.middlewares[i](handler)
	}
	return handler
}

func (m *Manager) enqueue(ctx context.Context, msg InboundMessage) error {
	if m.processor == nil {
		return fmt.Errorf("inbound processor not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.startInboundWorkers(ctx)
	task := inboundTask{
		// Webhook request contexts end with the HTTP response.
		ctx: context.WithoutCancel(ctx),
		msg: msg,
	}
	select {
	case m.inboundQueue <- task:
		return nil
	default:
		m.logger.Warn("inbound queue full, dropping message",
			slog.String("channel", msg.Channel.String()),
			slog.String("message_id", msg.ID))
		return ErrInboundQueueFull
	}
}

func (m *Manager) startInboundWorkers(ctx context.Context) {
	m.inboundOnce.Do(func() {
		m.inboundCtx, m.inboundCancel = context.WithCancel(context.WithoutCancel(ctx))
		for i := 0; i < m.inboundWorkers; i++ {
			m.workersWG.Add(1)
			go m.runInboundWorker(m.inboundCtx)
		}
	})
}

func (m *Manager) runInboundWorker(ctx context.Context) {
	defer m.workersWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-m.inboundQueue:
			m.process(ctx, task)
		}
	}
}

// process runs one task. The task keeps its request values but is canceled
// together with the worker pool, so Shutdown reaches in-flight dispatches.
func (m *Manager) process(workerCtx context.Context, task inboundTask) {
	taskCtx, cancel := context.WithCancel(task.ctx)
	defer cancel()
	stop := context.AfterFunc(workerCtx, cancel)
	defer stop()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("inbound processing panic",
				slog.String("channel", task.msg.Channel.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	if err := m.processor.HandleInbound(taskCtx, task.msg); err != nil {
		m.logger.Error("inbound processing failed",
			slog.String("channel", task.msg.Channel.String()),
			slog.String("message_id", task.msg.ID),
			slog.Any("error", err))
	}
}

// Shutdown cancels the inbound worker pool and stops all active connections.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopAll(ctx)
	if m.inboundCancel != nil {
		m.inboundCancel()
	}
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionStatuses returns observed connection statuses ordered by channel type.
func (m *Manager) ConnectionStatuses() []ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]ConnectionStatus, 0, len(m.connectionMeta))
	for _, status := range m.connectionMeta {
		items = append(items, status)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].ChannelType < items[j].ChannelType
	})
	return items
}
