package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamEvents upgrades to a websocket and forwards run events until the
// observer disconnects. Delivery is best-effort; a slow socket misses
// events rather than slowing the engine.
func (s *Server) streamEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("Failed to upgrade websocket")
		return
	}
	defer ws.Close()

	sub := s.pub.Subscribe()
	defer s.pub.Unsubscribe(sub)

	// Reads only serve to detect the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			if err := ws.WriteJSON(event); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
