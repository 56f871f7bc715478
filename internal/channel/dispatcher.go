package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DeliveryInfo identifies the reply unit a delivery error belongs to.
type DeliveryInfo struct {
	Kind  ReplyKind
	Index int
}

// DispatchCounts holds the number of units handed to the Deliverer per kind.
type DispatchCounts struct {
	Interim int `json:"interim"`
	Final   int `json:"final"`
}

// DispatchSession is the bookkeeping of one reply stream.
type DispatchSession struct {
	mu          sync.Mutex
	queuedFinal bool
	counts      DispatchCounts
	idle        bool
}

// QueuedFinal reports whether a non-silent final unit has been handed off.
func (s *DispatchSession) QueuedFinal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedFinal
}

// Counts returns a snapshot of per-kind hand-off counts.
func (s *DispatchSession) Counts() DispatchCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

// Delivered returns the total number of units handed to the Deliverer.
func (s *DispatchSession) Delivered() int {
	c := s.Counts()
	return c.Interim + c.Final
}

// Idle reports whether MarkIdle has completed.
func (s *DispatchSession) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

func (s *DispatchSession) record(kind ReplyKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == ReplyFinal {
		s.counts.Final++
		s.queuedFinal = true
		return
	}
	s.counts.Interim++
}

// DispatcherOptions configures a ReplyDispatcher.
type DispatcherOptions struct {
	// Policy supplies the chunk limit, chunker, and retry settings.
	Policy OutboundPolicy
	// Format is attached to every text chunk.
	Format MessageFormat
	// OnError receives every failed delivery. Processing continues afterwards.
	OnError func(err error, info DeliveryInfo)
	Logger  *slog.Logger
}

// ReplyDispatcher turns one agent reply stream into ordered platform deliveries.
// It is not safe to call Deliver from multiple goroutines for the same stream.
type ReplyDispatcher struct {
	deliverer Deliverer
	ref       ConversationRef
	policy    OutboundPolicy
	format    MessageFormat
	onError   func(err error, info DeliveryInfo)
	logger    *slog.Logger
	session   *DispatchSession

	typingOnce sync.Once
	typingWG   sync.WaitGroup
}

// NewReplyDispatcher creates a dispatcher that delivers into ref.
func NewReplyDispatcher(deliverer Deliverer, ref ConversationRef, opts DispatcherOptions) *ReplyDispatcher {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &ReplyDispatcher{
		deliverer: deliverer,
		ref:       ref,
		policy:    NormalizeOutboundPolicy(opts.Policy),
		format:    opts.Format,
		onError:   opts.OnError,
		logger: log.With(
			slog.String("component", "reply_dispatcher"),
			slog.String("channel", ref.Channel.String()),
		),
		session: &DispatchSession{},
	}
}

// Session exposes the dispatch bookkeeping.
func (d *ReplyDispatcher) Session() *DispatchSession {
	return d.session
}

// StartTyping fires the typing indicator once per dispatcher without waiting for it.
func (d *ReplyDispatcher) StartTyping(ctx context.Context) {
	d.typingOnce.Do(func() {
		d.typingWG.Add(1)
		go func() {
			defer d.typingWG.Done()
			if err := d.deliverer.SendTyping(context.WithoutCancel(ctx), d.ref); err != nil {
				d.logger.Debug("typing indicator failed", slog.Any("error", err))
			}
		}()
	})
}

// Deliver sends one reply payload: text chunks first, then each media URL.
// Empty and silent chunks are skipped. A failed unit is reported through
// OnError and the remaining units are still attempted. Once ctx is done no
// further units are started.
func (d *ReplyDispatcher) Deliver(ctx context.Context, payload ReplyPayload) error {
	kind := payload.Kind
	if kind == "" {
		kind = ReplyFinal
	}
	units := d.buildUnits(payload)
	if len(units) == 0 {
		return nil
	}
	d.StartTyping(ctx)
	for idx, unit := range units {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.session.record(kind)
		if err := d.sendWithRetry(ctx, unit); err != nil {
			d.reportError(&DeliveryError{Kind: kind, Index: idx, Target: d.ref.Target, Err: err}, DeliveryInfo{Kind: kind, Index: idx})
		}
	}
	return nil
}

// MarkIdle waits for the typing indicator to settle and clears it when the
// deliverer supports that.
func (d *ReplyDispatcher) MarkIdle(ctx context.Context) {
	d.typingWG.Wait()
	if stopper, ok := d.deliverer.(TypingStopper); ok {
		if err := stopper.StopTyping(context.WithoutCancel(ctx), d.ref); err != nil {
			d.logger.Debug("stop typing failed", slog.Any("error", err))
		}
	}
	d.session.mu.Lock()
	d.session.idle = true
	d.session.mu.Unlock()
}

func (d *ReplyDispatcher) buildUnits(payload ReplyPayload) []OutboundContent {
	units := make([]OutboundContent, 0, 1+len(payload.MediaURLs))
	if strings.TrimSpace(payload.Text) != "" {
		for _, chunk := range d.policy.Chunker(payload.Text, d.policy.TextChunkLimit) {
			chunk = strings.TrimSpace(chunk)
			if chunk == "" || IsSilentReplyText(chunk) {
				continue
			}
			units = append(units, OutboundContent{Text: chunk, Format: d.format})
		}
	}
	for _, mediaURL := range payload.MediaURLs {
		mediaURL = strings.TrimSpace(mediaURL)
		if mediaURL == "" {
			continue
		}
		units = append(units, OutboundContent{MediaURL: mediaURL})
	}
	return units
}

func (d *ReplyDispatcher) sendWithRetry(ctx context.Context, content OutboundContent) error {
	// A started send is allowed to finish even if ctx is canceled meanwhile.
	sendCtx := context.WithoutCancel(ctx)
	var lastErr error
	for i := 0; i < d.policy.RetryMax; i++ {
		_, err := d.deliverer.Send(sendCtx, d.ref, content)
		if err == nil {
			return nil
		}
		lastErr = err
		if i == d.policy.RetryMax-1 {
			break
		}
		d.logger.Warn("send outbound retry",
			slog.Int("attempt", i+1),
			slog.Any("error", err))
		backoff := time.Duration(i+1) * time.Duration(d.policy.RetryBackoffMs) * time.Millisecond
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("send outbound canceled: %w", lastErr)
		case <-timer.C:
		}
	}
	return fmt.Errorf("send outbound failed after retries: %w", lastErr)
}

func (d *ReplyDispatcher) reportError(err error, info DeliveryInfo) {
	d.logger.Error("reply delivery failed",
		slog.String("kind", string(info.Kind)),
		slog.Int("index", info.Index),
		slog.Any("error", err))
	if d.onError != nil {
		d.onError(err, info)
	}
}
