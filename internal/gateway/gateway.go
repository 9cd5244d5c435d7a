// Package gateway is the WebSocket front door of the server: it upgrades
// client connections, authenticates them through the sub-protocol list,
// and bridges frames between one client and its session runtime.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/command"
	"github.com/adsdev/ads/internal/common/config"
	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/logger"
	"github.com/adsdev/ads/internal/events"
	"github.com/adsdev/ads/internal/events/bus"
	"github.com/adsdev/ads/internal/queue"
	"github.com/adsdev/ads/internal/session"
	"github.com/adsdev/ads/internal/workspace"
	"github.com/adsdev/ads/pkg/wire"
)

// historyBootstrap caps the history batch sent on connect.
const historyBootstrap = 200

// Deps wires a Server. Bus may be nil; task stream relay is then off.
type Deps struct {
	Config    *config.Config
	Logger    *logger.Logger
	Sessions  *session.Manager
	Router    *command.Router
	Queue     *queue.Service
	Bus       bus.EventBus
	Workspace *workspace.Workspace
	Version   string
}

// Server owns the HTTP listener, the connected client set and the bus
// relay that forwards task stream events to every client.
type Server struct {
	log      *logger.Logger
	cfg      *config.Config
	sessions *session.Manager
	router   *command.Router
	queue    *queue.Service
	bus      bus.EventBus
	ws       *workspace.Workspace
	version  string

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	subs    []bus.Subscription
}

// NewServer builds the gateway.
func NewServer(deps Deps) *Server {
	return &Server{
		log:      deps.Logger.WithFields(zap.String("component", "gateway")),
		cfg:      deps.Config,
		sessions: deps.Sessions,
		router:   deps.Router,
		queue:    deps.Queue,
		bus:      deps.Bus,
		ws:       deps.Workspace,
		version:  deps.Version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The console may be served from anywhere; auth rides the
			// sub-protocol token, not the origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler builds the HTTP surface: /healthz, the landing page, and the
// WebSocket upgrade on any path.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.NoRoute(func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			s.serveWS(c.Writer, c.Request)
			return
		}
		if c.Request.Method == http.MethodGet {
			c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(landingHTML))
			return
		}
		c.Status(http.StatusNotFound)
	})
	return r
}

// Start subscribes the bus relay and serves until Shutdown. Blocks.
func (s *Server) Start() error {
	if err := s.subscribeBus(); err != nil {
		return err
	}
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Web.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("gateway listening", zap.String("addr", s.cfg.Web.Addr()))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes every client and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// serveWS runs one connection from upgrade to close. Auth and capacity
// rejections happen after the upgrade so the client observes the close
// code rather than a failed handshake.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	protos := websocket.Subprotocols(r)
	var respHeader http.Header
	if len(protos) > 0 {
		respHeader = http.Header{"Sec-Websocket-Protocol": {protos[0]}}
	}
	conn, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	creds := parseSubprotocols(protos)
	if s.cfg.Web.Token != "" && creds.Token != s.cfg.Web.Token {
		s.log.Warn("rejected connection with bad token")
		s.rejectConn(conn, errs.CloseAuth, "invalid token")
		return
	}

	sessionID := creds.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	userID := deriveUserID(creds.Token, sessionID)
	c := newClient(conn, sessionID, userID, s.cfg.Web.IdleTimeout(), s.log)

	if !s.register(c) {
		s.log.Warn("rejected connection over client cap", zap.Int("max_clients", s.cfg.Web.MaxClients))
		s.rejectConn(conn, errs.CloseCapacity, "too many clients")
		return
	}
	defer s.unregister(c)

	c.setupRead()
	go c.writePump()

	ctx := context.Background()
	rt, err := s.sessions.GetOrCreate(ctx, userID, "", true)
	if err != nil {
		c.Send(wire.NewError(string(errs.KindOf(err)), err.Error()))
		c.close(websocket.CloseInternalServerErr, "session unavailable")
		return
	}

	sc := &sessionConn{s: s, c: c, rt: rt}
	sc.bootstrap(ctx)
	sc.readLoop(ctx)
	c.close(0, "")
}

func (s *Server) rejectConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}

func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= s.cfg.Web.MaxClients {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close(0, "")
}

// broadcast fans one frame to every connected client.
func (s *Server) broadcast(frame *wire.Frame) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.Send(frame)
	}
}

// subscribeBus attaches the task stream relay: queue-originated events
// become frames labeled with their task id, and terminal lifecycle
// changes refresh the workspace snapshot.
func (s *Server) subscribeBus() error {
	if s.bus == nil {
		return nil
	}
	subjects := map[string]bus.EventHandler{
		events.BuildTaskWildcardSubject(): s.onTaskEvent,
		events.QueueStateChanged:          s.onQueueState,
	}
	for subject, handler := range subjects {
		sub, err := s.bus.Subscribe(subject, handler)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	return nil
}

func (s *Server) onTaskEvent(ctx context.Context, ev *bus.Event) error {
	taskID := ev.String(events.FieldTaskID)
	switch ev.Type {
	case events.TaskEventDelta:
		step, _ := ev.Data[events.FieldStep].(bool)
		frame := wire.NewDelta(ev.String(events.FieldText), step)
		frame.TaskID = taskID
		s.broadcast(frame)
	case events.TaskEventCommand:
		s.broadcastDetail(wire.FrameTypeCommand, taskID, ev.String(events.FieldData))
	case events.TaskEventPlan:
		s.broadcastDetail(wire.FrameTypePlan, taskID, ev.String(events.FieldData))
	case events.TaskEventPatch:
		s.broadcastDetail(wire.FrameTypePatch, taskID, ev.String(events.FieldData))
	case events.TaskCompleted:
		s.broadcastSnapshot(ctx)
	}
	return nil
}

func (s *Server) onQueueState(ctx context.Context, _ *bus.Event) error {
	s.broadcastSnapshot(ctx)
	return nil
}

func (s *Server) broadcastDetail(frameType wire.FrameType, taskID, data string) {
	if data == "" {
		return
	}
	frame := &wire.Frame{
		Type:      frameType,
		TaskID:    taskID,
		Payload:   []byte(data),
		Timestamp: time.Now().UTC(),
	}
	s.broadcast(frame)
}

// broadcastSnapshot pushes a refreshed workspace frame to everyone. Each
// client's snapshot carries its own runtime cwd and agent set.
func (s *Server) broadcastSnapshot(ctx context.Context) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		rt, ok := s.sessions.Get(c.userID)
		if !ok {
			continue
		}
		if frame, err := wire.New(wire.FrameTypeWorkspace, s.snapshot(ctx, rt)); err == nil {
			c.Send(frame)
		}
	}
}

// snapshot assembles the welcome/workspace payload for one runtime.
func (s *Server) snapshot(ctx context.Context, rt *session.Runtime) wire.Snapshot {
	snap := wire.Snapshot{
		Root:       s.ws.Root(),
		Cwd:        rt.Cwd(),
		ReviewLock: s.router.ReviewActive(),
		Version:    s.version,
	}
	for _, a := range rt.Orchestrator().ListAgents() {
		snap.Agents = append(snap.Agents, wire.AgentInfo{
			ID:     a.ID,
			Name:   a.Name,
			Active: a.Active,
			Ready:  a.Ready,
		})
	}
	if counts, err := s.queue.Counts(ctx); err == nil {
		snap.Queue = make(map[string]int, len(counts))
		for status, n := range counts {
			snap.Queue[string(status)] = n
		}
	}
	return snap
}
