package web

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/chatwire/chatwire/chat"
)

// feedEvent is one live feed line, the same rendering the history table
// uses.
type feedEvent struct {
	User string `json:"user"`
	Text string `json:"text"`
}

// handleLive upgrades the request to a websocket and streams chat traffic
// to it as JSON text frames until the peer goes away.
func (c *Console) handleLive(w http.ResponseWriter, r *http.Request) {
	if c.bus == nil {
		http.Error(w, "live feed disabled", http.StatusNotFound)
		return
	}
	if c.requireAdmin(w, r) == nil {
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		c.log.Error().Err(err).Msg("Fail to upgrade")
		return
	}
	go c.feed(conn)
}

func (c *Console) feed(conn net.Conn) {
	defer conn.Close()
	raddr := conn.RemoteAddr().String()
	c.log.Debug().Str("raddr", raddr).Msg("New live feed connection")

	sub := c.bus.Subscribe()
	defer sub.Close()

	// The feed is write only; the read side exists to notice the close
	// handshake and dropped connections.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		rd := wsutil.NewReader(conn, ws.StateServerSide)
		for {
			header, err := rd.NextFrame()
			if err != nil {
				return
			}
			if header.OpCode == ws.OpClose {
				return
			}
			if err := rd.Discard(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-peerGone:
			c.log.Debug().Str("raddr", raddr).Msg("Live feed connection closed")
			return

		case env := <-sub.C():
			event, ok := renderEvent(env)
			if !ok {
				continue
			}
			payload, err := json.Marshal(event)
			if err != nil {
				c.log.Error().Err(err).Msg("Fail to encode feed event")
				continue
			}
			frame := ws.NewFrame(ws.OpText, true, payload)
			if err := ws.WriteFrame(conn, frame); err != nil {
				c.log.Debug().Err(err).Str("raddr", raddr).Msg("Live feed write failed")
				return
			}
		}
	}
}

func renderEvent(env chat.Envelope) (feedEvent, bool) {
	switch m := env.Msg.(type) {
	case *chat.Text:
		return feedEvent{User: env.User, Text: m.Body}, true
	case *chat.File:
		return feedEvent{User: env.User, Text: "[Shared file " + m.Name + "]"}, true
	case *chat.Image:
		return feedEvent{User: env.User, Text: "[Shared an image]"}, true
	}
	return feedEvent{}, false
}
