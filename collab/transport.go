package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

var ErrNotConnected = errors.New("not connected")

type ConnSettings struct {
	ConnectTimeout       time.Duration
	AuthTimeout          time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
	PingInterval         time.Duration
	BackoffBase          time.Duration
	MaxReconnectAttempts int
}

func DefaultConnSettings() *ConnSettings {
	return &ConnSettings{
		ConnectTimeout:       10 * time.Second,
		AuthTimeout:          5 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          60 * time.Second,
		PingInterval:         15 * time.Second,
		BackoffBase:          1 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// Conn is the client transport: one reconnect-capable websocket connection.
// Connect and Send return immediately; connection progress surfaces via
// ConnEvents. On transport loss the run loop retries with exponential
// backoff until MaxReconnectAttempts is exhausted, unless the caller
// disconnected intentionally.
type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	byJwt    string
	receive  func(*ServerEvent)
	onEvent  func(ConnEvent)
	settings *ConnSettings

	mu          sync.Mutex
	state       ConnectionState
	ws          *websocket.Conn
	sessionId   Id
	user        User
	intentional bool
	runCancel   context.CancelFunc

	writeMu sync.Mutex
}

func NewConnWithDefaults(
	ctx context.Context,
	url string,
	byJwt string,
	receive func(*ServerEvent),
	onEvent func(ConnEvent),
) *Conn {
	return NewConn(ctx, url, byJwt, receive, onEvent, DefaultConnSettings())
}

func NewConn(
	ctx context.Context,
	url string,
	byJwt string,
	receive func(*ServerEvent),
	onEvent func(ConnEvent),
	settings *ConnSettings,
) *Conn {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Conn{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		byJwt:    byJwt,
		receive:  receive,
		onEvent:  onEvent,
		settings: settings,
		state:    ConnectionStateDisconnected,
	}
}

// Connect starts the connection loop. No-op unless disconnected.
func (self *Conn) Connect() {
	self.mu.Lock()
	if self.state != ConnectionStateDisconnected {
		self.mu.Unlock()
		return
	}
	self.intentional = false
	self.state = ConnectionStateConnecting
	runCtx, runCancel := context.WithCancel(self.ctx)
	self.runCancel = runCancel
	self.mu.Unlock()

	go self.run(runCtx)
}

// Disconnect tears the connection down and suppresses reconnection.
func (self *Conn) Disconnect() {
	self.mu.Lock()
	self.intentional = true
	if self.runCancel != nil {
		self.runCancel()
		self.runCancel = nil
	}
	ws := self.ws
	self.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
}

func (self *Conn) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *Conn) State() ConnectionState {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.state
}

// SessionId is the server-assigned id for the current connection.
// Zero until the first successful auth.
func (self *Conn) SessionId() Id {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.sessionId
}

// Send transmits one event on the live connection. Fails fast with
// ErrNotConnected while offline; queueing is the sync buffer's job.
func (self *Conn) Send(event *ClientEvent) error {
	self.mu.Lock()
	ws := self.ws
	state := self.state
	self.mu.Unlock()

	if state != ConnectionStateConnected || ws == nil {
		return ErrNotConnected
	}

	message, err := EncodeClientEvent(event)
	if err != nil {
		return err
	}

	self.writeMu.Lock()
	defer self.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
		return err
	}
	glog.V(2).Infof("[t]%s-> %s\n", self.sessionId, event.Kind)
	return nil
}

func (self *Conn) run(runCtx context.Context) {
	attempt := 0
	for {
		ws, err := self.dial(runCtx)
		if err == nil {
			attempt = 0
			self.emit(ConnEvent{
				Kind:  ConnEventConnected,
				State: ConnectionStateConnected,
			})

			self.readLoop(runCtx, ws)

			self.mu.Lock()
			self.state = ConnectionStateDisconnected
			self.ws = nil
			intentional := self.intentional
			self.mu.Unlock()

			self.emit(ConnEvent{
				Kind:  ConnEventDisconnected,
				State: ConnectionStateDisconnected,
			})
			if intentional {
				return
			}
			select {
			case <-runCtx.Done():
				return
			default:
			}
		} else {
			glog.V(1).Infof("[t]connect error = %s\n", err)
			select {
			case <-runCtx.Done():
				self.setDisconnected()
				return
			default:
			}
		}

		attempt += 1
		if self.settings.MaxReconnectAttempts < attempt {
			// the one truly fatal condition: the caller must connect again
			glog.Infof("[t]reconnect attempts exhausted (%d)\n", attempt-1)
			self.setDisconnected()
			self.emit(ConnEvent{
				Kind:    ConnEventReconnectFailed,
				State:   ConnectionStateDisconnected,
				Attempt: attempt - 1,
				Err:     err,
			})
			return
		}

		select {
		case <-runCtx.Done():
			self.setDisconnected()
			return
		case <-time.After(backoffDelay(self.settings.BackoffBase, attempt)):
		}

		self.mu.Lock()
		self.state = ConnectionStateConnecting
		self.mu.Unlock()
		self.emit(ConnEvent{
			Kind:    ConnEventReconnecting,
			State:   ConnectionStateConnecting,
			Attempt: attempt,
		})
	}
}

func (self *Conn) setDisconnected() {
	self.mu.Lock()
	self.state = ConnectionStateDisconnected
	self.ws = nil
	self.mu.Unlock()
}

func (self *Conn) dial(runCtx context.Context) (*websocket.Conn, error) {
	dialCtx, dialCancel := context.WithTimeout(runCtx, self.settings.ConnectTimeout)
	defer dialCancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, self.url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	authRequest, err := json.Marshal(&AuthRequest{ByJwt: self.byJwt})
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authRequest); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	authResponse := &AuthResponse{}
	if err := json.Unmarshal(message, authResponse); err != nil {
		return nil, err
	}
	if authResponse.SessionId.IsZero() {
		return nil, errors.New("auth response missing session id")
	}

	self.mu.Lock()
	self.ws = ws
	self.state = ConnectionStateConnected
	self.sessionId = authResponse.SessionId
	self.user = authResponse.User
	self.mu.Unlock()

	glog.V(1).Infof("[t]connected %s\n", authResponse.SessionId)
	success = true
	return ws, nil
}

func (self *Conn) readLoop(runCtx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	pingCtx, pingCancel := context.WithCancel(runCtx)
	defer pingCancel()
	go func() {
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-time.After(self.settings.PingInterval):
				self.writeMu.Lock()
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0))
				self.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-runCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[t]%s<- error = %s\n", self.sessionId, err)
			return
		}
		if messageType != websocket.TextMessage || len(message) == 0 {
			// keepalive
			continue
		}

		event, err := DecodeServerEvent(message)
		if err != nil {
			glog.Infof("[t]%s<- decode error = %s\n", self.sessionId, err)
			continue
		}
		glog.V(2).Infof("[t]%s<- %s\n", self.sessionId, event.Kind)
		if self.receive != nil {
			safeCall(func() {
				self.receive(event)
			})
		}
	}
}

func (self *Conn) emit(event ConnEvent) {
	if self.onEvent != nil {
		safeCall(func() {
			self.onEvent(event)
		})
	}
}
