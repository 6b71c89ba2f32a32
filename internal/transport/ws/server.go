package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chunkfrontier.ai/internal/persistence/progressdb"
	"chunkfrontier.ai/internal/protocol"
	"chunkfrontier.ai/internal/sim/discovery"
	"chunkfrontier.ai/internal/sim/region"
	"chunkfrontier.ai/internal/sim/runtime"
	"chunkfrontier.ai/internal/sim/session"
)

// Discovery is the part of the discovery engine a connection drives.
type Discovery interface {
	OnMove(ctx context.Context, playerID, world string, blockX, blockZ int) (*runtime.Task[discovery.Result], bool)
	Forget(playerID string)
	PlayerTotal(ctx context.Context, playerID string) int
	PlayerWorldTotal(ctx context.Context, playerID, world string) int
	GlobalTotal(ctx context.Context) int
	FirstDiscoveries(ctx context.Context, playerID string) int
	TopPlayers(ctx context.Context, limit int) []progressdb.PlayerProgress
}

type World struct {
	ID   string
	Type string
}

type Config struct {
	Hub            *session.Hub
	Engine         Discovery
	Worlds         []World
	MovesPerSecond float64
	MovesBurst     int
	Logger         *log.Logger
}

type Stats struct {
	Connections uint64 `json:"connections"`
	Moves       uint64 `json:"moves"`
	RateLimited uint64 `json:"rate_limited"`
	Rejected    uint64 `json:"rejected"`
}

type Server struct {
	hub    *session.Hub
	engine Discovery
	log    *log.Logger

	worlds atomic.Pointer[[]World]
	limit  atomic.Pointer[rateLimit]

	upgrader websocket.Upgrader

	connections atomic.Uint64
	moves       atomic.Uint64
	rateLimited atomic.Uint64
	rejected    atomic.Uint64
}

type rateLimit struct {
	perSecond float64
	burst     int
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		hub:    cfg.Hub,
		engine: cfg.Engine,
		log:    cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	s.SetWorlds(cfg.Worlds)
	s.SetRateLimit(cfg.MovesPerSecond, cfg.MovesBurst)
	return s
}

// SetWorlds replaces the joinable worlds. The first one is the default.
func (s *Server) SetWorlds(worlds []World) {
	cp := append([]World(nil), worlds...)
	s.worlds.Store(&cp)
}

// SetRateLimit applies to connections opened afterwards.
func (s *Server) SetRateLimit(perSecond float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	s.limit.Store(&rateLimit{perSecond: perSecond, burst: burst})
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.connections.Load(),
		Moves:       s.moves.Load(),
		RateLimited: s.rateLimited.Load(),
		Rejected:    s.rejected.Load(),
	}
}

func (s *Server) world(id string) (World, bool) {
	for _, w := range *s.worlds.Load() {
		if w.ID == id {
			return w, true
		}
	}
	return World{}, false
}

func (s *Server) defaultWorld() string {
	ws := *s.worlds.Load()
	if len(ws) == 0 {
		return ""
	}
	return ws[0].ID
}

func (s *Server) newLimiter() *rate.Limiter {
	l := s.limit.Load()
	if l.perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, l.burst)
	}
	return rate.NewLimiter(rate.Limit(l.perSecond), l.burst)
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess, ok := s.handshake(conn)
		if !ok {
			return
		}
		s.connections.Add(1)
		s.log.Printf("join player=%s session=%s world=%s", sess.playerID, sess.sessionID, sess.world)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-sess.out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Discoveries outlive the connection that triggered them.
		work := context.WithoutCancel(r.Context())
		limiter := s.newLimiter()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				s.reply(sess, protocol.NewError(protocol.ErrProtoBadRequest, "malformed message"))
				continue
			}
			if base.ProtocolVersion != protocol.Version {
				s.reply(sess, protocol.NewError(protocol.ErrProtoVersion, "protocol_version must be "+protocol.Version))
				continue
			}
			switch base.Type {
			case protocol.TypeMove:
				var mv protocol.MoveMsg
				if err := json.Unmarshal(msg, &mv); err != nil {
					s.reply(sess, protocol.NewError(protocol.ErrBadRequest, "bad MOVE"))
					continue
				}
				s.handleMove(work, sess, limiter, mv)
			case protocol.TypeStatsReq:
				var req protocol.StatsReqMsg
				if err := json.Unmarshal(msg, &req); err != nil {
					s.reply(sess, protocol.NewError(protocol.ErrBadRequest, "bad STATS_REQ"))
					continue
				}
				s.reply(sess, s.statsMsg(work, sess, req))
			default:
				s.reply(sess, protocol.NewError(protocol.ErrBadRequest, "unsupported type "+base.Type))
			}
		}

		// Cleanup.
		s.hub.Leave(sess.playerID, sess.sessionID)
		s.engine.Forget(sess.playerID)
		s.log.Printf("leave player=%s session=%s", sess.playerID, sess.sessionID)
	}
}

type connSession struct {
	playerID  string
	sessionID string
	world     string
	out       chan []byte
}

func (s *Server) handleMove(ctx context.Context, sess *connSession, limiter *rate.Limiter, mv protocol.MoveMsg) {
	if !limiter.Allow() {
		s.rateLimited.Add(1)
		s.reply(sess, protocol.NewError(protocol.ErrRateLimit, "too many moves"))
		return
	}
	world := strings.TrimSpace(mv.World)
	if world == "" {
		world = sess.world
	}
	if _, ok := s.world(world); !ok {
		s.reply(sess, protocol.NewError(protocol.ErrWorldNotFound, "unknown world "+world))
		return
	}
	s.moves.Add(1)
	if world != sess.world {
		sess.world = world
		s.hub.SetWorld(sess.playerID, world)
	}
	s.engine.OnMove(ctx, sess.playerID, world, mv.X, mv.Z)
}

func (s *Server) statsMsg(ctx context.Context, sess *connSession, req protocol.StatsReqMsg) protocol.StatsMsg {
	world := strings.TrimSpace(req.World)
	if world == "" {
		world = sess.world
	}
	msg := protocol.StatsMsg{
		Type:            protocol.TypeStats,
		ProtocolVersion: protocol.Version,
		Stats:           s.statsBody(ctx, sess.playerID, world),
	}
	if req.Top > 0 {
		for _, p := range s.engine.TopPlayers(ctx, req.Top) {
			msg.Top = append(msg.Top, protocol.Rank{PlayerID: p.PlayerID, TotalDiscovered: p.TotalDiscovered})
		}
	}
	return msg
}

func (s *Server) statsBody(ctx context.Context, playerID, world string) protocol.StatsBody {
	body := protocol.StatsBody{
		PlayerTotal:     s.engine.PlayerTotal(ctx, playerID),
		WorldTotal:      s.engine.PlayerWorldTotal(ctx, playerID, world),
		GlobalTotal:     s.engine.GlobalTotal(ctx),
		FirstDiscovered: s.engine.FirstDiscoveries(ctx, playerID),
		World:           world,
	}
	if size, ok := s.hub.Size(world); ok {
		body.BorderSize = size
	}
	return body
}

func (s *Server) handshake(conn *websocket.Conn) (*connSession, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.rejected.Add(1)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil, false
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		s.rejected.Add(1)
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, "bad HELLO"))
		return nil, false
	}
	if hello.ProtocolVersion != protocol.Version {
		s.rejected.Add(1)
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoVersion, "protocol_version must be "+protocol.Version))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil, false
	}

	playerID := strings.TrimSpace(hello.PlayerID)
	if playerID == "" {
		playerID = uuid.NewString()
	}
	world := strings.TrimSpace(hello.World)
	if world == "" {
		world = s.defaultWorld()
	}
	if _, ok := s.world(world); !ok {
		s.rejected.Add(1)
		_ = writeJSON(conn, protocol.NewError(protocol.ErrWorldNotFound, "unknown world "+world))
		return nil, false
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 32
	}
	if maxQ > 256 {
		maxQ = 256
	}
	sess := &connSession{
		playerID:  playerID,
		sessionID: uuid.NewString(),
		world:     world,
		out:       make(chan []byte, maxQ),
	}
	if _, err := s.hub.Join(sess.playerID, sess.sessionID, world, sess.out); err != nil {
		s.rejected.Add(1)
		code := protocol.ErrInternal
		if errors.Is(err, session.ErrAlreadyOnline) {
			code = protocol.ErrAlreadyOnline
		}
		_ = writeJSON(conn, protocol.NewError(code, err.Error()))
		return nil, false
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.sessionID,
		PlayerID:        sess.playerID,
		RegionSize:      region.Size,
		CurrentWorld:    world,
		Stats:           s.statsBody(context.Background(), sess.playerID, world),
	}
	for _, w := range *s.worlds.Load() {
		ref := protocol.WorldRef{WorldID: w.ID, WorldType: w.Type}
		if size, ok := s.hub.Size(w.ID); ok {
			ref.BorderSize = size
		}
		welcome.Worlds = append(welcome.Worlds, ref)
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.hub.Leave(sess.playerID, sess.sessionID)
		return nil, false
	}
	return sess, true
}

// reply queues v without blocking the reader; a full queue drops it.
func (s *Server) reply(sess *connSession, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case sess.out <- b:
	default:
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
