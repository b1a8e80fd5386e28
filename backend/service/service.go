package service

import (
	"context"
	"errors"

	"github.com/adwski/callrelay/backend/model"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	defaultSendBuffer = 64
)

var (
	ErrSignal     = errors.New("unable to process message")
	ErrDisconnect = errors.New("unable to disconnect")
)

type (
	Registry interface {
		ListAll() []model.Participant
	}

	Switch interface {
		Submit(ctx context.Context, conn *model.Wire, msg model.Inbound) error
		Disconnect(ctx context.Context, conn *model.Wire) error
	}

	Service struct {
		reg        Registry
		sw         Switch
		iceServers []webrtc.ICEServer
		sendBuffer int
		logger     zerolog.Logger
	}

	Config struct {
		Registry   Registry
		Switch     Switch
		ICEServers []webrtc.ICEServer
		// SendBuffer is the per-connection outbound queue length.
		SendBuffer int
		Logger     *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	buf := cfg.SendBuffer
	if buf <= 0 {
		buf = defaultSendBuffer
	}
	return &Service{
		reg:        cfg.Registry,
		sw:         cfg.Switch,
		iceServers: cfg.ICEServers,
		sendBuffer: buf,
		logger:     cfg.Logger.With().Str("component", "service").Logger(),
	}
}

// CreateSignalingSession allocates the handle for a new connection.
// The connection stays anonymous until it logs in.
func (svc *Service) CreateSignalingSession() *model.Wire {
	wire := model.NewWire(svc.sendBuffer)
	svc.logger.Debug().Str("conn", wire.ID).Msg("signaling session created")
	return wire
}

func (svc *Service) Signal(ctx context.Context, wire *model.Wire, msg model.Inbound) error {
	if err := svc.sw.Submit(ctx, wire, msg); err != nil {
		return errors.Join(ErrSignal, err)
	}
	return nil
}

// DeleteSignalingSession marks the connection closed and queues its cleanup.
func (svc *Service) DeleteSignalingSession(ctx context.Context, wire *model.Wire) error {
	wire.Close()
	if err := svc.sw.Disconnect(ctx, wire); err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	svc.logger.Debug().Str("conn", wire.ID).Msg("signaling session deleted")
	return nil
}

func (svc *Service) Presence() []model.UserStatus {
	all := svc.reg.ListAll()
	users := make([]model.UserStatus, 0, len(all))
	for _, p := range all {
		users = append(users, model.UserStatus{Username: p.ID, Status: p.State.String()})
	}
	return users
}

func (svc *Service) ICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(svc.iceServers))
	copy(out, svc.iceServers)
	return out
}
