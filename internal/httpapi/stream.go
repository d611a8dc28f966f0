package httpapi

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"coldcaller-telephony/internal/events"
	"coldcaller-telephony/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	streamBuffer     = 128
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Events streams bus notifications over a websocket. Optional query filters:
// type (comma separated event types) and source (session or config id).
// A client that cannot keep up loses events rather than slowing publishers.
func (h Handlers) Events(c *gin.Context) {
	if h.Bus == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "event stream not configured"})
		return
	}
	log := logger.FromGin(c)

	types := make(map[events.Type]struct{})
	for _, t := range strings.Split(c.Query("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[events.Type(t)] = struct{}{}
		}
	}
	source := c.Query("source")

	out := make(chan events.Event, streamBuffer)
	done := make(chan struct{})
	var dropped atomic.Int64

	// Subscribe before the upgrade so nothing published after the handshake is missed.
	unsub := h.Bus.SubscribeAll(func(e events.Event) {
		if len(types) > 0 {
			if _, ok := types[e.Type]; !ok {
				return
			}
		}
		if source != "" && e.Source != source {
			return
		}
		select {
		case out <- e:
		case <-done:
		default:
			dropped.Add(1)
		}
	})
	defer unsub()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("event stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case e := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				log.Debug("event stream write failed", "err", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			if n := dropped.Load(); n > 0 {
				log.Info("event stream closed", "dropped", n)
			}
			return
		}
	}
}
