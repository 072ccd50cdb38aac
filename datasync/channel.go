package datasync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// synthetic event emitted after a reconnect. events missed while
// disconnected cannot be replayed individually, so the consumer
// invalidates all actively subscribed keys instead.
const ResyncEventType = "channel.resynced"

const (
	ChannelDisconnected ChannelState = iota
	ChannelConnecting
	ChannelConnected
	ChannelReconnecting
)

type ChannelState int

func (self ChannelState) String() string {
	switch self {
	case ChannelDisconnected:
		return "disconnected"
	case ChannelConnecting:
		return "connecting"
	case ChannelConnected:
		return "connected"
	case ChannelReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// one message from the real-time channel. transient, consumed
// immediately, never mutated after creation.
type EventEnvelope struct {
	Type            string
	Payload         map[string]any
	ServerTimestamp time.Time
	ReceivedAt      time.Time
}

type EventFunc func(envelope *EventEnvelope)

type ChannelStateFunc func(state ChannelState)

type ChannelAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ChannelAuth) UserId() (Id, error) {
	sessionToken, err := ParseSessionTokenUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return sessionToken.UserId, nil
}

type ChannelSettings struct {
	WsHandshakeTimeout  time.Duration
	AuthTimeout         time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
	SendBufferSize      int
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		WsHandshakeTimeout:  2 * time.Second,
		AuthTimeout:         2 * time.Second,
		PingTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
		ReconnectMinTimeout: 1 * time.Second,
		ReconnectMaxTimeout: 30 * time.Second,
		SendBufferSize:      32,
	}
}

// wire shape of one channel message
type eventFrame struct {
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	ServerTime *time.Time     `json:"server_time,omitempty"`
}

type authFrame struct {
	ByJwt      string `json:"by_jwt"`
	InstanceId string `json:"instance_id"`
	AppVersion string `json:"app_version,omitempty"`
}

// maintains one persistent websocket connection per authenticated
// session and exposes a typed publish/subscribe surface plus a
// connection-state observable.
//
// delivery from the server is at-least-once and ordered within an event
// type. consumers must be idempotent per event and tolerant of duplicates.
type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	channelUrl string
	auth       *ChannelAuth
	settings   *ChannelSettings

	send chan []byte

	stateLock      sync.Mutex
	state          ChannelState
	connectCount   int
	eventCallbacks map[string]*CallbackList[EventFunc]

	stateCallbacks *CallbackList[ChannelStateFunc]
}

func NewChannelWithDefaults(ctx context.Context, channelUrl string, auth *ChannelAuth) *Channel {
	return NewChannel(ctx, channelUrl, auth, DefaultChannelSettings())
}

func NewChannel(ctx context.Context, channelUrl string, auth *ChannelAuth, settings *ChannelSettings) *Channel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &Channel{
		ctx:            cancelCtx,
		cancel:         cancel,
		channelUrl:     channelUrl,
		auth:           auth,
		settings:       settings,
		send:           make(chan []byte, settings.SendBufferSize),
		state:          ChannelDisconnected,
		eventCallbacks: map[string]*CallbackList[EventFunc]{},
		stateCallbacks: NewCallbackList[ChannelStateFunc](),
	}
	go channel.run()
	return channel
}

func (self *Channel) run() {
	defer self.setState(ChannelDisconnected)

	authBytes, err := json.Marshal(&authFrame{
		ByJwt:      self.auth.ByJwt,
		InstanceId: self.auth.InstanceId.String(),
		AppVersion: self.auth.AppVersion,
	})
	if err != nil {
		return
	}

	reconnect := NewReconnect(self.settings.ReconnectMinTimeout, self.settings.ReconnectMaxTimeout)

	for {
		if self.connectCount == 0 {
			self.setState(ChannelConnecting)
		} else {
			self.setState(ChannelReconnecting)
		}

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.channelUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.TextMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, errors.New("auth response error: bad bytes")
					}
				default:
					return nil, errors.New("auth response error")
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[ch]auth error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		reconnect.Reset()
		resync := 0 < self.connectCount
		self.connectCount += 1
		self.setState(ChannelConnected)

		if resync {
			self.dispatch(&EventEnvelope{
				Type:       ResyncEventType,
				ReceivedAt: time.Now(),
			})
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-self.send:
						if !ok {
							return
						}
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							// a deadline timeout cannot be recovered on a websocket
							glog.Infof("[ch]-> error = %s\n", err)
							return
						}
						glog.V(2).Infof("[ch]->\n")
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			for {
				select {
				case <-handleCtx.Done():
					return
				default:
				}

				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				messageType, message, err := ws.ReadMessage()
				if err != nil {
					glog.Infof("[ch]<- error = %s\n", err)
					return
				}

				switch messageType {
				case websocket.TextMessage, websocket.BinaryMessage:
					if len(message) == 0 {
						// ping
						glog.V(2).Infof("[ch]ping<-\n")
						continue
					}
					self.dispatchMessage(message)
				default:
					glog.V(2).Infof("[ch]other=%d<-\n", messageType)
				}
			}
		}
		c()

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *Channel) dispatchMessage(message []byte) {
	frame := &eventFrame{}
	if err := json.Unmarshal(message, frame); err != nil {
		glog.Infof("[ch]bad frame = %s\n", err)
		return
	}
	envelope := &EventEnvelope{
		Type:       frame.Type,
		Payload:    frame.Payload,
		ReceivedAt: time.Now(),
	}
	if frame.ServerTime != nil {
		envelope.ServerTimestamp = *frame.ServerTime
	}
	self.dispatch(envelope)
}

func (self *Channel) dispatch(envelope *EventEnvelope) {
	self.stateLock.Lock()
	callbackList, ok := self.eventCallbacks[envelope.Type]
	self.stateLock.Unlock()
	if !ok {
		glog.V(2).Infof("[ch]drop %s<-\n", envelope.Type)
		return
	}
	for _, callback := range callbackList.Get() {
		callback(envelope)
	}
}

// queues a client message. returns an error when the send buffer is full
// rather than blocking the caller.
func (self *Channel) Publish(eventType string, payload map[string]any) error {
	messageBytes, err := json.Marshal(&eventFrame{
		Type:    eventType,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	select {
	case self.send <- messageBytes:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// registers a handler for an event type. returns a remove function.
func (self *Channel) On(eventType string, callback EventFunc) func() {
	self.stateLock.Lock()
	callbackList, ok := self.eventCallbacks[eventType]
	if !ok {
		callbackList = NewCallbackList[EventFunc]()
		self.eventCallbacks[eventType] = callbackList
	}
	self.stateLock.Unlock()
	return callbackList.Add(callback)
}

func (self *Channel) State() ChannelState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

// returns a remove function
func (self *Channel) AddStateChangeListener(callback ChannelStateFunc) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *Channel) setState(state ChannelState) {
	self.stateLock.Lock()
	if self.state == state {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()

	glog.V(1).Infof("[ch]state %s\n", state)
	for _, callback := range self.stateCallbacks.Get() {
		callback(state)
	}
}

func (self *Channel) Close() {
	self.cancel()
}
