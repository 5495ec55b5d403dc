package collab

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Conn is one duplex frame channel for one project session. Implementations
// deliver whole frames; the engine never sees partial messages.
type Conn interface {
	// ReadFrame blocks for the next inbound frame.
	ReadFrame() (string, error)
	WriteFrame(f string) error
	Close() error
}

// Dialer opens a Conn addressed by project identity.
type Dialer interface {
	Dial(ctx context.Context, projectId int) (Conn, error)
}

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        4 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// SessionAuth is attached to the websocket handshake.
type SessionAuth struct {
	// the REST login token
	ByJwt string
	// distinguishes multiple connections by the same user
	InstanceId string
}

// WsTransport dials the editor server over websocket, one connection per
// project session.
type WsTransport struct {
	serverUrl string
	auth      *SessionAuth

	settings *WsTransportSettings
}

func NewWsTransportWithDefaults(serverUrl string, auth *SessionAuth) *WsTransport {
	return NewWsTransport(serverUrl, auth, DefaultWsTransportSettings())
}

func NewWsTransport(serverUrl string, auth *SessionAuth, settings *WsTransportSettings) *WsTransport {
	return &WsTransport{
		serverUrl: serverUrl,
		auth:      auth,
		settings:  settings,
	}
}

func (self *WsTransport) Dial(ctx context.Context, projectId int) (Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if self.auth != nil {
		if self.auth.ByJwt != "" {
			header.Set("Authorization", fmt.Sprintf("Bearer %s", self.auth.ByJwt))
		}
		if self.auth.InstanceId != "" {
			header.Set("X-Instance-Id", self.auth.InstanceId)
		}
	}
	url := fmt.Sprintf("%s/ws/%d", self.serverUrl, projectId)
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return newWsConn(ws, self.settings), nil
}

// wsConn adapts one websocket connection to the frame interface. An empty
// text message is a ping and is never surfaced as a frame.
type wsConn struct {
	ws       *websocket.Conn
	settings *WsTransportSettings

	writeLock sync.Mutex

	closeOnce sync.Once
	stopPing  chan struct{}
}

func newWsConn(ws *websocket.Conn, settings *WsTransportSettings) *wsConn {
	conn := &wsConn{
		ws:       ws,
		settings: settings,
		stopPing: make(chan struct{}),
	}
	go conn.pingLoop()
	return conn
}

func (self *wsConn) pingLoop() {
	for {
		select {
		case <-self.stopPing:
			return
		case <-time.After(self.settings.PingTimeout):
			if err := self.writeMessage(""); err != nil {
				// a deadline timeout on websocket cannot be recovered
				glog.V(2).Infof("[tw]ping error = %s\n", err)
				return
			}
		}
	}
}

func (self *wsConn) ReadFrame() (string, error) {
	for {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return "", err
		}
		switch messageType {
		case websocket.TextMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[tr]ping<-\n")
				continue
			}
			return string(message), nil
		default:
			glog.V(2).Infof("[tr]drop message type %d\n", messageType)
		}
	}
}

func (self *wsConn) writeMessage(f string) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, []byte(f))
}

func (self *wsConn) WriteFrame(f string) error {
	if len(f) == 0 {
		return fmt.Errorf("empty frame")
	}
	return self.writeMessage(f)
}

func (self *wsConn) Close() error {
	self.closeOnce.Do(func() {
		close(self.stopPing)
	})
	return self.ws.Close()
}
