// Package router implements the call signaling protocol on top of the participant registry.
//
// A Router never performs I/O: every entry point returns the messages to deliver and
// leaves the sending to the caller. All entry points must be called from a single
// goroutine, which makes every read-decide-mutate sequence atomic.
package router

import (
	"errors"
	"strings"

	"github.com/adwski/callrelay/backend/model"
	"github.com/adwski/callrelay/backend/storage/memory"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const MaxUsernameLen = 36

// Reasons sent back to clients.
const (
	ReasonNotLoggedIn    = "must log in first"
	ReasonInvalidName    = "Invalid username."
	ReasonNameTooLong    = "Username too long."
	ReasonNameTaken      = "Username already taken."
	ReasonTargetNotFound = "target not found"
	ReasonTargetBusy     = "target busy"
	ReasonCallerBusy     = "caller busy"
	ReasonSelfCall       = "cannot call yourself"
	ReasonMissingOffer   = "missing offer"
	ReasonMissingAnswer  = "missing answer"
	ReasonNoAnswer       = "no answer"
)

type (
	Registry interface {
		Register(id string, conn *model.Wire) (model.Participant, error)
		Unregister(id string)
		Lookup(id string) (model.Participant, bool)
		LookupByConn(connID string) (model.Participant, bool)
		ListAll() []model.Participant
		SetState(id string, state model.CallState, peer string)
		SetCall(id string, state model.CallState, peer, call string, outgoing bool)
		ResetToAvailable(id string)
	}

	// RingScheduler arms a ringing timeout for a freshly placed call.
	RingScheduler interface {
		ArmRing(call, caller string)
	}

	Config struct {
		Registry Registry
		// Ring is optional, nil disables ringing timeouts.
		Ring   RingScheduler
		Logger *zerolog.Logger
	}

	Router struct {
		reg    Registry
		ring   RingScheduler
		logger zerolog.Logger
	}
)

func NewRouter(cfg Config) *Router {
	return &Router{
		reg:    cfg.Registry,
		ring:   cfg.Ring,
		logger: cfg.Logger.With().Str("component", "router").Logger(),
	}
}

type outbox []model.Delivery

func (o *outbox) send(to *model.Wire, msg model.Outbound) {
	if to == nil {
		return
	}
	*o = append(*o, model.Delivery{To: to, Msg: msg})
}

// Handle processes one inbound message from conn.
func (rt *Router) Handle(conn *model.Wire, msg model.Inbound) []model.Delivery {
	var out outbox

	logger := rt.logger.With().Str("conn", conn.ID).Str("type", msg.Type).Logger()
	logger.Trace().Msg("handling message")

	switch msg.Type {
	case model.TypeLogin:
		rt.login(&out, conn, msg, &logger)
		return out
	case model.TypeOffer, model.TypeAnswer, model.TypeICECandidate,
		model.TypeReject, model.TypeHangup, model.TypeLogout:
	default:
		logger.Warn().Msg("unknown message type, ignoring")
		return nil
	}

	self, ok := rt.reg.LookupByConn(conn.ID)
	if !ok {
		logger.Debug().Msg("message from anonymous connection")
		out.send(conn, model.Outbound{Type: model.TypeError, Message: ReasonNotLoggedIn})
		return out
	}
	logger = logger.With().Str("user", self.ID).Logger()

	switch msg.Type {
	case model.TypeOffer:
		rt.offer(&out, self, msg, &logger)
	case model.TypeAnswer:
		rt.answer(&out, self, msg, &logger)
	case model.TypeICECandidate:
		rt.iceCandidate(&out, self, msg, &logger)
	case model.TypeReject, model.TypeHangup:
		rt.endCall(&out, self, msg, &logger)
	case model.TypeLogout:
		rt.drop(&out, self)
		rt.presence(&out)
		logger.Debug().Msg("logged out")
	}
	return out
}

// Disconnect cleans up after a closed connection. It is a no-op for
// connections that never logged in or were already cleaned up.
func (rt *Router) Disconnect(conn *model.Wire) []model.Delivery {
	self, ok := rt.reg.LookupByConn(conn.ID)
	if !ok {
		return nil
	}
	var out outbox
	rt.drop(&out, self)
	rt.presence(&out)
	rt.logger.Debug().Str("conn", conn.ID).Str("user", self.ID).Msg("participant disconnected")
	return out
}

// RingTimeout ends an unanswered call. Timers for calls that were answered,
// rejected or replaced in the meantime are ignored.
func (rt *Router) RingTimeout(call, caller string) []model.Delivery {
	p, ok := rt.reg.Lookup(caller)
	if !ok || p.State != model.Ringing || p.Call != call {
		return nil
	}
	var out outbox
	rt.reg.ResetToAvailable(p.ID)
	if callee, ok := rt.reg.Lookup(p.Peer); ok && callee.Call == call {
		rt.reg.ResetToAvailable(callee.ID)
		out.send(callee.Conn, model.Outbound{Type: model.TypeHangup, Caller: p.ID})
	}
	out.send(p.Conn, model.Outbound{Type: model.TypeReject, Callee: p.Peer, Message: ReasonNoAnswer})
	rt.presence(&out)
	rt.logger.Debug().Str("user", caller).Str("call", call).Msg("ringing timed out")
	return out
}

func (rt *Router) login(out *outbox, conn *model.Wire, msg model.Inbound, logger *zerolog.Logger) {
	fail := func(reason string) {
		out.send(conn, model.Outbound{Type: model.TypeLoginFailure, Message: reason})
	}

	if self, ok := rt.reg.LookupByConn(conn.ID); ok {
		fail("already logged in as " + self.ID)
		return
	}
	name := strings.TrimSpace(msg.Username)
	switch {
	case name == "":
		fail(ReasonInvalidName)
		return
	case len(name) > MaxUsernameLen:
		fail(ReasonNameTooLong)
		return
	}

	if old, ok := rt.reg.Lookup(name); ok && old.Conn.Closed() {
		logger.Debug().Str("user", name).Msg("replacing stale participant")
		rt.drop(out, old)
	}
	if _, err := rt.reg.Register(name, conn); err != nil {
		if errors.Is(err, memory.ErrNameTaken) {
			fail(ReasonNameTaken)
		} else {
			logger.Error().Err(err).Msg("registration failed")
			fail(ReasonInvalidName)
		}
		return
	}

	out.send(conn, model.Outbound{
		Type:     model.TypeLoginSuccess,
		Message:  "Welcome " + name,
		Username: name,
	})
	rt.presence(out)
	logger.Info().Str("user", name).Msg("logged in")
}

func (rt *Router) offer(out *outbox, self model.Participant, msg model.Inbound, logger *zerolog.Logger) {
	reject := func(reason string) {
		logger.Debug().Str("target", msg.Target).Str("reason", reason).Msg("offer rejected")
		out.send(self.Conn, model.Outbound{Type: model.TypeReject, Callee: msg.Target, Message: reason})
	}

	if len(msg.Offer) == 0 {
		out.send(self.Conn, model.Outbound{Type: model.TypeError, Message: ReasonMissingOffer})
		return
	}
	callee, ok := rt.reg.Lookup(msg.Target)
	switch {
	case !ok || callee.Conn.Closed():
		reject(ReasonTargetNotFound)
		return
	case callee.ID == self.ID:
		reject(ReasonSelfCall)
		return
	case self.State != model.Available:
		reject(ReasonCallerBusy)
		return
	case callee.State != model.Available:
		reject(ReasonTargetBusy)
		return
	}

	call := uuid.NewString()
	rt.reg.SetCall(self.ID, model.Ringing, callee.ID, call, true)
	rt.reg.SetCall(callee.ID, model.Ringing, self.ID, call, false)
	out.send(callee.Conn, model.Outbound{Type: model.TypeOffer, Caller: self.ID, Offer: msg.Offer})
	if rt.ring != nil {
		rt.ring.ArmRing(call, self.ID)
	}
	rt.presence(out)
	logger.Debug().Str("target", callee.ID).Str("call", call).Msg("offer relayed")
}

func (rt *Router) answer(out *outbox, self model.Participant, msg model.Inbound, logger *zerolog.Logger) {
	if len(msg.Answer) == 0 {
		out.send(self.Conn, model.Outbound{Type: model.TypeError, Message: ReasonMissingAnswer})
		return
	}
	caller, ok := rt.reg.Lookup(msg.Target)
	if !ok ||
		self.State != model.Ringing || self.Outgoing || self.Peer != caller.ID ||
		caller.State != model.Ringing || caller.Peer != self.ID || caller.Call != self.Call {
		logger.Debug().Str("target", msg.Target).Msg("answer without pending call")
		out.send(self.Conn, model.Outbound{Type: model.TypeError, Message: "no pending call from " + msg.Target})
		return
	}

	rt.reg.SetState(self.ID, model.InCall, caller.ID)
	rt.reg.SetState(caller.ID, model.InCall, self.ID)
	out.send(caller.Conn, model.Outbound{Type: model.TypeAnswer, Callee: self.ID, Answer: msg.Answer})
	rt.presence(out)
	logger.Debug().Str("target", caller.ID).Msg("answer relayed")
}

func (rt *Router) iceCandidate(out *outbox, self model.Participant, msg model.Inbound, logger *zerolog.Logger) {
	target, ok := rt.reg.Lookup(msg.Target)
	if !ok {
		logger.Trace().Str("target", msg.Target).Msg("candidate for unknown target dropped")
		return
	}
	out.send(target.Conn, model.Outbound{Type: model.TypeICECandidate, Caller: self.ID, Candidate: msg.Candidate})
}

// endCall handles reject and hangup. The counterpart is always the sender's
// own peer, so a client cannot tear down a call it is not part of.
func (rt *Router) endCall(out *outbox, self model.Participant, msg model.Inbound, logger *zerolog.Logger) {
	if self.State == model.Available {
		logger.Debug().Str("target", msg.Target).Msg("not in a call, ignoring")
		return
	}
	if msg.Target != "" && msg.Target != self.Peer {
		logger.Warn().Str("target", msg.Target).Str("peer", self.Peer).Msg("target is not the current peer")
	}

	rt.reg.ResetToAvailable(self.ID)
	if peer, ok := rt.reg.Lookup(self.Peer); ok && peer.Peer == self.ID {
		rt.reg.ResetToAvailable(peer.ID)
		relayed := model.Outbound{Type: model.TypeHangup, Caller: self.ID}
		if msg.Type == model.TypeReject {
			relayed = model.Outbound{Type: model.TypeReject, Callee: self.ID, Message: msg.Message}
		}
		out.send(peer.Conn, relayed)
	}
	rt.presence(out)
	logger.Debug().Str("peer", self.Peer).Msg("call ended")
}

// drop hangs up the participant's peer and removes the participant.
func (rt *Router) drop(out *outbox, p model.Participant) {
	if p.Peer != "" {
		if peer, ok := rt.reg.Lookup(p.Peer); ok && peer.Peer == p.ID {
			rt.reg.ResetToAvailable(peer.ID)
			out.send(peer.Conn, model.Outbound{Type: model.TypeHangup, Caller: p.ID})
		}
	}
	rt.reg.Unregister(p.ID)
}

func (rt *Router) presence(out *outbox) {
	all := rt.reg.ListAll()
	users := make([]model.UserStatus, 0, len(all))
	for _, p := range all {
		users = append(users, model.UserStatus{Username: p.ID, Status: p.State.String()})
	}
	for _, p := range all {
		out.send(p.Conn, model.Outbound{Type: model.TypeUserList, Users: users})
	}
}
