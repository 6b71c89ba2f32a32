package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"chunkfrontier.ai/internal/protocol"
	"chunkfrontier.ai/internal/sim/region"
)

func main() {
	var (
		url    = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		player = flag.String("player", "", "player id (empty: server assigns one)")
		world  = flag.String("world", "", "world id (empty: server default)")
		steps  = flag.Int("steps", 200, "regions to visit along the spiral (0 = forever)")
		rate   = flag.Float64("rate", 5, "moves per second")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PlayerID:        *player,
		World:           *world,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: 64},
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	welcome := make(chan protocol.WelcomeMsg, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			handleFrame(logger, msg, welcome)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	var w protocol.WelcomeMsg
	select {
	case w = <-welcome:
	case <-done:
		logger.Printf("connection closed before WELCOME")
		return
	case <-time.After(5 * time.Second):
		logger.Fatalf("no WELCOME")
	}

	interval := time.Second
	if *rate > 0 {
		interval = time.Duration(float64(time.Second) / *rate)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; *steps == 0 || i < *steps; i++ {
		select {
		case <-stop:
			return
		case <-done:
			return
		case <-ticker.C:
		}
		rx, rz := spiral(i)
		// Aim for the middle of the region.
		mv := protocol.MoveMsg{
			Type:            protocol.TypeMove,
			ProtocolVersion: protocol.Version,
			World:           w.CurrentWorld,
			X:               rx*region.Size + region.Size/2,
			Z:               rz*region.Size + region.Size/2,
		}
		if err := conn.WriteJSON(mv); err != nil {
			logger.Printf("send MOVE: %v", err)
			return
		}
	}

	_ = conn.WriteJSON(protocol.StatsReqMsg{Type: protocol.TypeStatsReq, ProtocolVersion: protocol.Version, Top: 5})
	select {
	case <-done:
	case <-stop:
	case <-time.After(2 * time.Second):
	}
}

func handleFrame(logger *log.Logger, msg []byte, welcome chan<- protocol.WelcomeMsg) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return
	}
	switch base.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(msg, &w); err != nil {
			return
		}
		logger.Printf("WELCOME player=%s session=%s world=%s total=%d", w.PlayerID, w.SessionID, w.CurrentWorld, w.Stats.PlayerTotal)
		select {
		case welcome <- w:
		default:
		}
	case protocol.TypeNotice:
		var n protocol.NoticeMsg
		if err := json.Unmarshal(msg, &n); err == nil {
			logger.Printf("NOTICE key=%s count=%d %s", n.Key, n.Count, n.Text)
		}
	case protocol.TypeReward:
		var r protocol.RewardMsg
		if err := json.Unmarshal(msg, &r); err == nil {
			logger.Printf("REWARD reason=%s items=%v dropped=%v xp=%d", r.Reason, r.Items, r.Dropped, r.Experience)
		}
	case protocol.TypeBorder:
		var b protocol.BorderMsg
		if err := json.Unmarshal(msg, &b); err == nil {
			logger.Printf("BORDER world=%s size=%.1f", b.World, b.Size)
		}
	case protocol.TypeStats:
		var s protocol.StatsMsg
		if err := json.Unmarshal(msg, &s); err == nil {
			logger.Printf("STATS total=%d world=%d global=%d firsts=%d top=%v",
				s.Stats.PlayerTotal, s.Stats.WorldTotal, s.Stats.GlobalTotal, s.Stats.FirstDiscovered, s.Top)
		}
	case protocol.TypeError:
		var e protocol.ErrorMsg
		if err := json.Unmarshal(msg, &e); err == nil {
			if protocol.IsFatal(e.Code) {
				logger.Fatalf("session refused code=%s %s", e.Code, e.Message)
			}
			logger.Printf("ERROR code=%s %s", e.Code, e.Message)
		}
	}
}

// spiral returns the region offset of step i on a square spiral around the
// origin: (0,0), (1,0), (1,1), (0,1), (-1,1), ...
func spiral(i int) (x, z int) {
	if i == 0 {
		return 0, 0
	}
	dx, dz := 1, 0
	leg, walked, turns := 1, 0, 0
	for s := 0; s < i; s++ {
		x += dx
		z += dz
		walked++
		if walked == leg {
			walked = 0
			dx, dz = -dz, dx
			turns++
			if turns%2 == 0 {
				leg++
			}
		}
	}
	return x, z
}
