package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

func (m *Manager) refresh(ctx context.Context) {
	// Serialize refresh calls so concurrent callers wait instead of silently skipping.
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	for _, channelType := range m.registry.Types() {
		if err := m.ensureConnection(ctx, channelType); err != nil {
			m.logger.Error("adapter start failed",
				slog.String("channel", channelType.String()),
				slog.Any("error", err))
		}
	}
}

func (m *Manager) ensureConnection(ctx context.Context, channelType ChannelType) error {
	receiver, ok := m.registry.GetReceiver(channelType)
	if !ok {
		return nil
	}

	m.mu.Lock()
	existing := m.connections[channelType]
	if existing != nil && existing.Running() {
		m.setConnectionStatusLocked(channelType, true, nil)
		m.mu.Unlock()
		return nil
	}
	delete(m.connections, channelType)
	m.mu.Unlock()

	if existing != nil {
		m.logger.Info("adapter restart", slog.String("channel", channelType.String()))
		if err := existing.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
			m.logger.Warn("adapter stop failed", slog.String("channel", channelType.String()), slog.Any("error", err))
		}
	} else {
		m.logger.Info("adapter start", slog.String("channel", channelType.String()))
	}

	// Decouple long-lived adapter connections from short-lived request contexts.
	connectCtx := context.WithoutCancel(ctx)
	conn, err := receiver.Connect(connectCtx, m.handler())
	if err != nil {
		m.markConnectionStatus(channelType, false, err)
		return err
	}
	if conn == nil {
		err := fmt.Errorf("receiver returned no connection")
		m.markConnectionStatus(channelType, false, err)
		return err
	}

	m.mu.Lock()
	// Another refresh may have raced us; keep the first connection.
	if other, ok := m.connections[channelType]; ok && other != nil {
		m.setConnectionStatusLocked(channelType, other.Running(), nil)
		m.mu.Unlock()
		_ = conn.Stop(context.Background())
		return nil
	}
	m.connections[channelType] = conn
	m.setConnectionStatusLocked(channelType, true, nil)
	m.mu.Unlock()
	return nil
}

// Stop terminates the connection of the given channel type.
func (m *Manager) Stop(ctx context.Context, channelType ChannelType) error {
	channelType = normalizeChannelType(channelType.String())
	if channelType == "" {
		return fmt.Errorf("channel type is required")
	}
	m.mu.Lock()
	conn := m.connections[channelType]
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Stop(ctx); err != nil {
		return err
	}
	m.markConnectionStatus(channelType, false, nil)
	return nil
}

func (m *Manager) stopAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for channelType, conn := range m.connections {
		if conn != nil {
			m.logger.Info("adapter stop", slog.String("channel", channelType.String()))
			if err := conn.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
				m.logger.Warn("adapter stop failed",
					slog.String("channel", channelType.String()),
					slog.Any("error", err))
			}
		}
		delete(m.connections, channelType)
		m.setConnectionStatusLocked(channelType, false, nil)
	}
}

func (m *Manager) markConnectionStatus(channelType ChannelType, running bool, checkErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setConnectionStatusLocked(channelType, running, checkErr)
}

func (m *Manager) setConnectionStatusLocked(channelType ChannelType, running bool, checkErr error) {
	previous, hasPrevious := m.connectionMeta[channelType]
	status := ConnectionStatus{
		ChannelType: channelType,
		Running:     running,
		UpdatedAt:   time.Now().UTC(),
	}
	if checkErr != nil {
		status.LastError = checkErr.Error()
	}
	m.connectionMeta[channelType] = status
	if checkErr != nil && (!hasPrevious || previous.LastError != status.LastError || previous.Running != status.Running) {
		m.logger.Warn("connection health check failed",
			slog.String("channel", channelType.String()),
			slog.Any("error", checkErr))
	}
	if running && hasPrevious && strings.TrimSpace(previous.LastError) != "" {
		m.logger.Info("connection health recovered", slog.String("channel", channelType.String()))
	}
}
