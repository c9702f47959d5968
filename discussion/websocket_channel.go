package discussion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

func DefaultWebsocketChannelSettings() *WebsocketChannelSettings {
	return &WebsocketChannelSettings{
		WsHandshakeTimeout: 5 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        45 * time.Second,
		SendBufferSize:     32,
	}
}

type WebsocketChannelSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

// the wire envelope of every event
type channelMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WebsocketChannel is a `ChannelAdapter` over one websocket connection with reconnect.
// Each text message is a json `{event, payload}` envelope.
type WebsocketChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	jwt      string
	settings *WebsocketChannelSettings

	stateLock sync.Mutex
	// cancels the current connect loop
	runCancel context.CancelFunc
	// send queue of the live connection. nil when disconnected.
	send chan []byte

	eventHandlers            map[string]*CallbackList[EventHandlerFunction]
	connectionStateCallbacks *CallbackList[ConnectionStateFunction]

	log LogFunction
}

func NewWebsocketChannelWithDefaults(ctx context.Context, url string, jwt string) *WebsocketChannel {
	return NewWebsocketChannel(ctx, url, jwt, DefaultWebsocketChannelSettings())
}

func NewWebsocketChannel(ctx context.Context, url string, jwt string, settings *WebsocketChannelSettings) *WebsocketChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WebsocketChannel{
		ctx:                      cancelCtx,
		cancel:                   cancel,
		url:                      url,
		jwt:                      jwt,
		settings:                 settings,
		eventHandlers:            map[string]*CallbackList[EventHandlerFunction]{},
		connectionStateCallbacks: NewCallbackList[ConnectionStateFunction](),
		log:                      LogFn(2, "ws"),
	}
}

// Connect starts the connect loop. Returns at once.
func (self *WebsocketChannel) Connect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.runCancel != nil {
		return
	}
	runCtx, runCancel := context.WithCancel(self.ctx)
	self.runCancel = runCancel
	go self.run(runCtx)
}

func (self *WebsocketChannel) Disconnect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.runCancel != nil {
		self.runCancel()
		self.runCancel = nil
	}
}

func (self *WebsocketChannel) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *WebsocketChannel) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.send != nil
}

// Emit queues the event on the live connection. Never blocks.
func (self *WebsocketChannel) Emit(eventName string, payload any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	messageBytes, err := json.Marshal(&channelMessage{
		Event:   eventName,
		Payload: payloadBytes,
	})
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.send == nil {
		return ErrChannelUnavailable
	}
	select {
	case self.send <- messageBytes:
		return nil
	default:
		return errors.New("Send buffer full.")
	}
}

func (self *WebsocketChannel) On(eventName string, handler EventHandlerFunction) func() {
	self.stateLock.Lock()
	handlers, ok := self.eventHandlers[eventName]
	if !ok {
		handlers = NewCallbackList[EventHandlerFunction]()
		self.eventHandlers[eventName] = handlers
	}
	self.stateLock.Unlock()

	callbackId := handlers.Add(handler)
	return func() {
		handlers.Remove(callbackId)
	}
}

func (self *WebsocketChannel) AddConnectionStateCallback(callback ConnectionStateFunction) func() {
	callbackId := self.connectionStateCallbacks.Add(callback)
	return func() {
		self.connectionStateCallbacks.Remove(callbackId)
	}
}

func (self *WebsocketChannel) setSend(send chan []byte) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.send = send
	}()

	connected := send != nil
	for _, callback := range self.connectionStateCallbacks.Get() {
		HandleError(func() {
			callback(connected)
		})
	}
}

func (self *WebsocketChannel) dispatch(messageBytes []byte) {
	var message channelMessage
	if err := json.Unmarshal(messageBytes, &message); err != nil {
		glog.Infof("[ws]bad message = %s\n", err)
		return
	}

	self.stateLock.Lock()
	handlers, ok := self.eventHandlers[message.Event]
	self.stateLock.Unlock()
	if !ok {
		self.log("no handler for %s", message.Event)
		return
	}
	for _, handler := range handlers.Get() {
		HandleError(func() {
			handler(message.Payload)
		})
	}
}

func (self *WebsocketChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if self.jwt != "" {
		header.Add("Authorization", fmt.Sprintf("Bearer %s", self.jwt))
	}
	ws, _, err := dialer.DialContext(ctx, self.url, header)
	return ws, err
}

func (self *WebsocketChannel) run(ctx context.Context) {
	for {
		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[ws]connect %s", self.url), func() (*websocket.Conn, error) {
				return self.dial(ctx)
			})
		} else {
			ws, err = self.dial(ctx)
		}
		if err != nil {
			glog.Infof("[ws]connect error %s = %s\n", self.url, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.handle(ctx, ws)

		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

// runs one connection until it fails or the context is done
func (self *WebsocketChannel) handle(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(ctx)
	defer handleCancel()

	log := SubLogFn(2, self.log, self.url)

	send := make(chan []byte, self.settings.SendBufferSize)
	self.setSend(send)
	defer self.setSend(nil)

	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(self.settings.WriteTimeout),
				)
				return
			case message := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a dealine timeout cannot be recovered
					glog.Infof("[ws]-> error = %s\n", err)
					return
				}
				log("->")
			case <-time.After(self.settings.PingTimeout):
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				select {
				case <-handleCtx.Done():
				default:
					glog.Infof("[ws]<- error = %s\n", err)
				}
				return
			}

			switch messageType {
			case websocket.TextMessage:
				log("<-")
				self.dispatch(message)
			default:
				log("other=%d <-", messageType)
			}
		}
	}()

	<-handleCtx.Done()
}
