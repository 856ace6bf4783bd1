// Package statusapi exposes a read-only HTTP view of one engine: health,
// prometheus metrics and the mirrored contacts, channels and sessions.
package statusapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/meshlink/internal/auth"
	"github.com/danmuck/meshlink/internal/logging"
	"github.com/danmuck/meshlink/internal/model"
	"github.com/danmuck/meshlink/internal/observability"
	"github.com/danmuck/meshlink/internal/store"
	"github.com/danmuck/meshlink/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const Version = "0.1.0"

// Source is the slice of the engine the API reads from.
type Source interface {
	DeviceID() string
	Store() store.Store
	State() transport.ConnectionState
	Device() (model.Device, bool)
}

type Options struct {
	Addr        string
	CORSOrigins []string
	// Token, when set, is required as a bearer token on /api/v1.
	Token  string
	Logger *zerolog.Logger
}

type Server struct {
	src     Source
	addr    string
	token   string
	router  *gin.Engine
	started time.Time
	log     zerolog.Logger
	httpSrv *http.Server
}

func New(src Source, opts Options) *Server {
	log := logging.Component("statusapi")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log))
	r.Use(observability.RequestMetricsMiddleware(src.DeviceID()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		src:     src,
		addr:    opts.Addr,
		token:   opts.Token,
		router:  r,
		started: time.Now(),
		log:     log,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api/v1")
	if s.token != "" {
		api.Use(auth.Require(auth.StaticToken{Token: s.token}))
	}
	api.GET("/contacts", s.contacts)
	api.GET("/channels", s.channels)
	api.GET("/sessions", s.sessions)
}

func (s *Server) health(c *gin.Context) {
	state := s.src.State()
	body := gin.H{
		"status":  "ok",
		"state":   state.String(),
		"device":  s.src.DeviceID(),
		"uptime":  time.Since(s.started).String(),
		"version": Version,
	}
	if dev, ok := s.src.Device(); ok {
		body["name"] = dev.Name
		body["firmware"] = dev.FirmwareVersion
	}
	code := http.StatusOK
	if state != transport.StateReady {
		body["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, body)
}

func (s *Server) contacts(c *gin.Context) {
	list, err := s.src.Store().Contacts().List(c.Request.Context(), s.src.DeviceID())
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []model.Contact{}
	}
	c.JSON(http.StatusOK, gin.H{"contacts": list})
}

type channelView struct {
	Index   uint8  `json:"index"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// Channel secrets never leave the process.
func (s *Server) channels(c *gin.Context) {
	list, err := s.src.Store().Channels().List(c.Request.Context(), s.src.DeviceID())
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]channelView, 0, len(list))
	for _, ch := range list {
		out = append(out, channelView{Index: ch.Index, Name: ch.Name, Enabled: ch.Enabled})
	}
	c.JSON(http.StatusOK, gin.H{"channels": out})
}

func (s *Server) sessions(c *gin.Context) {
	list, err := s.src.Store().Sessions().List(c.Request.Context(), s.src.DeviceID())
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []model.RemoteNodeSession{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	}
	s.log.Error().Err(err).Str("path", c.FullPath()).Msg("status query failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

// Serve blocks until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("status api listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
