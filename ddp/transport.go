package ddp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// The transport carries opaque text frames and reports exactly four
// events: opened, message, error, closed. The session owns at most one
// transport at a time; it is created on connect and torn down on any
// close path.

type Transport interface {
	Send(frame []byte) error
	Close()
}

type TransportEvents interface {
	TransportOpened()
	TransportMessage(frame []byte)
	TransportError(err error)
	TransportClosed()
}

// (ctx, url, events, settings)
type TransportFactory func(ctx context.Context, url string, events TransportEvents, settings *TransportSettings) Transport

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadLimit          int64
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 10 * time.Second,
		WriteTimeout:       10 * time.Second,
		ReadLimit:          0,
	}
}

func NewWebSocketTransport(ctx context.Context, url string, events TransportEvents, settings *TransportSettings) Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &webSocketTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		events:   events,
		settings: settings,
	}
	go transport.run()
	return transport
}

type webSocketTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	events   TransportEvents
	settings *TransportSettings

	mutex sync.Mutex
	ws    *websocket.Conn
}

func (self *webSocketTransport) run() {
	defer self.cancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		glog.Infof("[t]dial %s error = %s\n", self.url, err)
		self.events.TransportError(err)
		self.events.TransportClosed()
		return
	}
	if 0 < self.settings.ReadLimit {
		ws.SetReadLimit(self.settings.ReadLimit)
	}

	self.mutex.Lock()
	self.ws = ws
	self.mutex.Unlock()

	defer ws.Close()

	self.events.TransportOpened()

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-self.ctx.Done():
				// intentional close
			default:
				glog.Infof("[t]read error = %s\n", err)
				self.events.TransportError(err)
			}
			self.events.TransportClosed()
			return
		}

		switch messageType {
		case websocket.TextMessage:
			self.events.TransportMessage(message)
		default:
			glog.V(2).Infof("[t]drop message type %d\n", messageType)
		}
	}
}

func (self *webSocketTransport) Send(frame []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.ws == nil {
		return errors.New("transport not open")
	}
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, frame)
}

func (self *webSocketTransport) Close() {
	self.cancel()
	self.mutex.Lock()
	ws := self.ws
	self.mutex.Unlock()
	if ws != nil {
		ws.Close()
	}
}
