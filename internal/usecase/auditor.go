package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/vitos/crypto_autotrader/internal/domain"
	"go.uber.org/zap"
)

// Audit event types.
const (
	EventEngineStarting   = "ENGINE_STARTING"
	EventEngineConfirmed  = "ENGINE_CONFIRMED"
	EventEngineRejected   = "ENGINE_REJECTED"
	EventPositionOpened   = "POSITION_OPENED"
	EventEntryFailed      = "ENTRY_FAILED"
	EventEntrySkipped     = "ENTRY_SKIPPED"
	EventPositionClosed   = "POSITION_CLOSED"
	EventClosePartial     = "CLOSE_PARTIAL"
	EventCloseFailed      = "CLOSE_FAILED"
	EventOrderUnsettled   = "ORDER_UNSETTLED"
	EventOrderReconciled  = "ORDER_RECONCILED"
	EventPriceFetchFailed = "PRICE_FETCH_FAILED"
	EventStatus           = "STATUS"
	EventStopRequested    = "STOP_REQUESTED"
	EventKillSwitch       = "KILL_SWITCH"
	EventEngineStopping   = "ENGINE_STOPPING"
	EventEngineStopped    = "ENGINE_STOPPED"
)

const auditWriteTimeout = 5 * time.Second

type auditEvent struct {
	eventType string
	payload   map[string]any
}

// Auditor forwards engine events to an AuditSink. Sink failures never reach
// the caller; they are logged instead. With a positive buffer the writes
// happen on a background goroutine and Close drains the queue.
type Auditor struct {
	sink   domain.AuditSink
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan auditEvent
	wg     sync.WaitGroup
}

func NewAuditor(sink domain.AuditSink, logger *zap.Logger, buffer int) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Auditor{
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
	if buffer > 0 && sink != nil {
		a.queue = make(chan auditEvent, buffer)
		a.wg.Add(1)
		go a.drain()
	}
	return a
}

// Record emits one human readable audit line plus structured fields.
func (a *Auditor) Record(ctx context.Context, eventType, message string, fields map[string]any) {
	payload := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	payload["message"] = message
	payload["ts"] = a.now().UTC().Format(time.RFC3339Nano)

	a.logger.Info(message, zap.String("event", eventType), zap.Any("fields", fields))

	if a.sink == nil {
		return
	}
	ev := auditEvent{eventType: eventType, payload: payload}
	if a.queue == nil {
		a.write(context.WithoutCancel(ctx), ev)
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.write(context.WithoutCancel(ctx), ev)
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.logger.Error("Audit queue full, event dropped",
			zap.String("event", eventType),
			zap.String("message", message))
	}
}

func (a *Auditor) write(ctx context.Context, ev auditEvent) {
	ctx, cancel := context.WithTimeout(ctx, auditWriteTimeout)
	defer cancel()

	if err := a.sink.Append(ctx, ev.eventType, ev.payload); err != nil {
		a.logger.Error("Failed to append audit event",
			zap.String("event", ev.eventType),
			zap.Any("payload", ev.payload),
			zap.Error(err))
	}
}

func (a *Auditor) drain() {
	defer a.wg.Done()
	for ev := range a.queue {
		a.write(context.Background(), ev)
	}
}

// Close flushes pending events. Later records are written synchronously.
func (a *Auditor) Close() {
	if a.queue == nil {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}
