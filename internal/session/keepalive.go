package session

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 30 * time.Second
	pingWriteTimeout    = 10 * time.Second
)

// pinger is the subset of *websocket.Conn needed for keepalive.
type pinger interface {
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// pongWaitFor returns how long a peer may stay silent. The wait must outlast
// the ping interval, otherwise the read deadline fires before the first ping.
func pongWaitFor(pingInterval, pongWait time.Duration) time.Duration {
	if pingInterval <= 0 {
		if pongWait > 0 {
			return pongWait
		}
		return 2 * defaultPingInterval
	}
	if pongWait <= pingInterval {
		return 2 * pingInterval
	}
	return pongWait
}

// startKeepalive arms a read deadline that every pong extends and pings the
// peer periodically until the session closes. A peer that stops answering
// surfaces as a read error in the receive loop.
func (s *Session) startKeepalive() {
	p, ok := s.conn.(pinger)
	if !ok || s.opts.PingInterval < 0 {
		return
	}

	pongWait := s.opts.PongWait
	_ = p.SetReadDeadline(time.Now().Add(pongWait))
	p.SetPongHandler(func(string) error {
		return p.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(s.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.writeMu.Lock()
				err := p.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteTimeout))
				s.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-s.ctx.Done():
				return
			}
		}
	}()
}
