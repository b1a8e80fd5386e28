package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/callrelay/backend/model"
	"github.com/adwski/callrelay/backend/router"
	"github.com/rs/zerolog"
)

const (
	defaultInboxSize = 1024
)

var (
	ErrStopped = errors.New("switch is stopped")
)

type eventKind int

const (
	eventMessage eventKind = iota
	eventDisconnect
	eventRingTimeout
)

type event struct {
	kind   eventKind
	conn   *model.Wire
	msg    model.Inbound
	call   string
	caller string
}

// Switch serializes every registry transaction on one goroutine
// and performs the resulting deliveries without ever blocking on a receiver.
type Switch struct {
	logger      zerolog.Logger
	router      *router.Router
	inbox       chan event
	stopped     chan struct{}
	ringTimeout time.Duration
}

type Config struct {
	Registry router.Registry
	Logger   *zerolog.Logger
	// RingTimeout ends unanswered calls, zero disables it.
	RingTimeout time.Duration
	InboxSize   int
}

func NewSwitch(cfg Config) *Switch {
	size := cfg.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}
	sw := &Switch{
		logger:      cfg.Logger.With().Str("component", "switch").Logger(),
		inbox:       make(chan event, size),
		stopped:     make(chan struct{}),
		ringTimeout: cfg.RingTimeout,
	}
	rcfg := router.Config{
		Registry: cfg.Registry,
		Logger:   cfg.Logger,
	}
	if cfg.RingTimeout > 0 {
		rcfg.Ring = sw
	}
	sw.router = router.NewRouter(rcfg)
	return sw
}

// Run processes events until ctx is done.
func (sw *Switch) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		close(sw.stopped)
		sw.logger.Debug().Msg("switch stopped")
		wg.Done()
	}()
	sw.logger.Debug().Dur("ringTimeout", sw.ringTimeout).Msg("switch started")

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sw.inbox:
			sw.dispatch(ev)
		}
	}
}

// Submit queues an inbound message. Messages submitted from one goroutine
// are processed in submission order.
func (sw *Switch) Submit(ctx context.Context, conn *model.Wire, msg model.Inbound) error {
	return sw.enqueue(ctx, event{kind: eventMessage, conn: conn, msg: msg})
}

// Disconnect queues the cleanup of a closed connection behind its pending messages.
func (sw *Switch) Disconnect(ctx context.Context, conn *model.Wire) error {
	return sw.enqueue(ctx, event{kind: eventDisconnect, conn: conn})
}

// ArmRing schedules a ringing timeout for call.
func (sw *Switch) ArmRing(call, caller string) {
	time.AfterFunc(sw.ringTimeout, func() {
		select {
		case sw.inbox <- event{kind: eventRingTimeout, call: call, caller: caller}:
		case <-sw.stopped:
		}
	})
}

func (sw *Switch) enqueue(ctx context.Context, ev event) error {
	select {
	case <-sw.stopped:
		return ErrStopped
	default:
	}
	select {
	case sw.inbox <- ev:
		return nil
	case <-sw.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sw *Switch) dispatch(ev event) {
	logger := sw.logger
	if ev.conn != nil {
		logger = logger.With().Str("conn", ev.conn.ID).Logger()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("event handling failed")
		}
	}()

	var out []model.Delivery
	switch ev.kind {
	case eventMessage:
		out = sw.router.Handle(ev.conn, ev.msg)
	case eventDisconnect:
		out = sw.router.Disconnect(ev.conn)
	case eventRingTimeout:
		out = sw.router.RingTimeout(ev.call, ev.caller)
	}

	for _, d := range out {
		send(d, &logger)
	}
}

func send(d model.Delivery, logger *zerolog.Logger) bool {
	if d.To.Closed() {
		logger.Debug().Str("dst", d.To.ID).Str("type", d.Msg.Type).Msg("dead endpoint, message dropped")
		return false
	}
	select {
	case d.To.TX <- d.Msg:
		logger.Trace().Str("dst", d.To.ID).Str("type", d.Msg.Type).Msg("message is forwarded")
		return true
	default:
		logger.Warn().Str("dst", d.To.ID).Str("type", d.Msg.Type).Msg("endpoint is not keeping up, message dropped")
		return false
	}
}
