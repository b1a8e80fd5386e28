package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/callrelay/backend/model"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type PresenceService interface {
	Presence() []model.UserStatus
	ICEServers() []webrtc.ICEServer
}

type UsersResponse struct {
	Users []model.UserStatus `json:"users"`
}

type ICEResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

type Server struct {
	logger zerolog.Logger
	svc    PresenceService
	*http.Server
}

type Config struct {
	Logger          *zerolog.Logger
	PresenceService PresenceService
	ListenAddr      string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.PresenceService,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), srv.accessLog, corsHandler)

	r.GET("/healthz", srv.health)
	api := r.Group("/api")
	api.GET("/users", srv.users)
	api.GET("/ice", srv.ice)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	if c.Request.Method != http.MethodOptions {
		c.Next()
		return
	}
	c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	c.Header("Access-Control-Max-Age", "86400")
	c.AbortWithStatus(http.StatusNoContent)
}

func (srv *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	srv.logger.Trace().
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", c.Writer.Status()).
		Dur("took", time.Since(start)).
		Msg("request served")
}

func (srv *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (srv *Server) users(c *gin.Context) {
	c.JSON(http.StatusOK, UsersResponse{Users: srv.svc.Presence()})
}

func (srv *Server) ice(c *gin.Context) {
	servers := srv.svc.ICEServers()
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	c.JSON(http.StatusOK, ICEResponse{ICEServers: servers})
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
