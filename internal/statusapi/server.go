package statusapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdock/hostd/internal/dispatch"
	"github.com/agentdock/hostd/internal/httpmw"
	"github.com/agentdock/hostd/internal/logging"
	"github.com/agentdock/hostd/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the internal status/debug HTTP API: dispatcher snapshot,
// registered repositories, and a websocket feed for an operator dashboard.
type Server struct {
	engine   *gin.Engine
	dispatch *dispatch.Dispatcher
	store    *store.Store
	hub      *Hub
	logger   *logging.Logger
}

// New builds a Server around disp/st, pushing through hub's websocket feed.
func New(disp *dispatch.Dispatcher, st *store.Store, hub *Hub, log *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(httpmw.Recovery(log), httpmw.OtelTracing("status"), httpmw.RequestLogger(log, "status"))

	s := &Server{engine: engine, dispatch: disp, store: st, hub: hub, logger: log}

	engine.GET("/status", s.handleSnapshot)
	engine.GET("/status/repos", s.handleRepos)
	engine.GET("/status/stream", s.handleStream)
	return s
}

// Handler returns the http.Handler to mount on an *http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.dispatch.Snapshot())
}

func (s *Server) handleRepos(c *gin.Context) {
	repos, err := s.store.ListRepos(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"repos": repos})
}

func (s *Server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("statusapi: websocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.register(conn)
}
