package shareprice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// the subscriptions-transport-ws protocol
const graphqlWsSubprotocol = "graphql-ws"

const (
	gqlConnectionInit      = "connection_init"
	gqlConnectionAck       = "connection_ack"
	gqlConnectionError     = "connection_error"
	gqlConnectionKeepAlive = "ka"
	gqlConnectionTerminate = "connection_terminate"
	gqlStart               = "start"
	gqlStop                = "stop"
	gqlData                = "data"
	gqlError               = "error"
	gqlComplete            = "complete"
)

var ErrChannelClosed = errors.New("Channel closed.")
var ErrReconnectExhausted = errors.New("Reconnect attempts exhausted.")

type DuplexChannelSettings struct {
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	WriteTimeout     time.Duration
	// a ping is written after this much idle time. 0 disables pings
	PingTimeout time.Duration
	// no frame (including pongs) for this long drops the connection. 0 disables
	ReadTimeout time.Duration
	// a slow subscriber drops messages after this long. 0 blocks
	DeliveryTimeout time.Duration

	InitialReconnectInterval time.Duration
	MaxReconnectInterval     time.Duration
	// consecutive failed connects before the active subscriptions fail. 0 is unbounded
	MaxReconnectAttempts int

	SubscriptionBufferSize int
}

func DefaultDuplexChannelSettings() *DuplexChannelSettings {
	return &DuplexChannelSettings{
		HandshakeTimeout:         5 * time.Second,
		AckTimeout:               5 * time.Second,
		WriteTimeout:             5 * time.Second,
		PingTimeout:              10 * time.Second,
		ReadTimeout:              30 * time.Second,
		DeliveryTimeout:          15 * time.Second,
		InitialReconnectInterval: 500 * time.Millisecond,
		MaxReconnectInterval:     30 * time.Second,
		MaxReconnectAttempts:     0,
		SubscriptionBufferSize:   16,
	}
}

func (self *DuplexChannelSettings) reconnectPolicy(ctx context.Context) backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = self.InitialReconnectInterval
	exponential.MaxInterval = self.MaxReconnectInterval
	// attempts, not elapsed time, bound the policy
	exponential.MaxElapsedTime = 0

	var policy backoff.BackOff = exponential
	if 0 < self.MaxReconnectAttempts {
		policy = backoff.WithMaxRetries(policy, uint64(self.MaxReconnectAttempts))
	}
	policy = backoff.WithContext(policy, ctx)
	policy.Reset()
	return policy
}

type wsMessage struct {
	Id      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DuplexChannel is the long-lived channel for subscriptions.
// One connection is opened lazily on the first subscription and shared by all subscriptions.
// On drop the connection is re-established with the reconnect policy
// and every active subscription is started again.
type DuplexChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	url         string
	credentials *Credentials
	settings    *DuplexChannelSettings

	mutex         sync.Mutex
	running       bool
	ws            *websocket.Conn
	subscriptions map[string]*Subscription

	writeMutex sync.Mutex

	log LogFunction
}

func NewDuplexChannelWithDefaults(ctx context.Context, url string, credentials *Credentials) *DuplexChannel {
	return NewDuplexChannel(ctx, url, credentials, DefaultDuplexChannelSettings())
}

func NewDuplexChannel(
	ctx context.Context,
	url string,
	credentials *Credentials,
	settings *DuplexChannelSettings,
) *DuplexChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &DuplexChannel{
		ctx:           cancelCtx,
		cancel:        cancel,
		url:           url,
		credentials:   credentials,
		settings:      settings,
		subscriptions: map[string]*Subscription{},
		log:           LogFn(LogLevelDebug, "d"),
	}
}

func (self *DuplexChannel) Subscribe(ctx context.Context, operation *Operation, variables map[string]any) (*Subscription, error) {
	select {
	case <-self.ctx.Done():
		return nil, ErrChannelClosed
	default:
	}

	startPayload, err := json.Marshal(newOperationPayload(operation, variables))
	if err != nil {
		return nil, err
	}

	subscription := newSubscription(
		ctx,
		NewId().String(),
		operation,
		self.settings.SubscriptionBufferSize,
		self.unsubscribe,
	)
	subscription.startPayload = startPayload

	self.mutex.Lock()
	self.subscriptions[subscription.id] = subscription
	if !self.running {
		self.running = true
		go self.run()
	}
	ws := self.ws
	self.mutex.Unlock()

	subscription.start()

	if ws != nil {
		// on error the connection drops and the subscription is started on reconnect
		if err := self.writeStart(ws, subscription); err != nil {
			glog.Infof("[d]start %s error = %s\n", subscription.id, err)
		}
	}
	self.log("start %s %s", subscription.id, operation)

	return subscription, nil
}

func startMessage(subscription *Subscription) *wsMessage {
	return &wsMessage{
		Id:      subscription.id,
		Type:    gqlStart,
		Payload: subscription.startPayload,
	}
}

// called when a subscription ends from the client side
func (self *DuplexChannel) unsubscribe(id string) {
	self.mutex.Lock()
	_, ok := self.subscriptions[id]
	delete(self.subscriptions, id)
	ws := self.ws
	self.mutex.Unlock()

	if ok && ws != nil {
		if err := self.write(ws, &wsMessage{Id: id, Type: gqlStop}); err != nil {
			self.log("stop %s error = %s", id, err)
		}
	}
	self.log("stop %s", id)
}

// called when a subscription ends from the server side
func (self *DuplexChannel) remove(id string) *Subscription {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	subscription := self.subscriptions[id]
	delete(self.subscriptions, id)
	return subscription
}

func (self *DuplexChannel) subscription(id string) *Subscription {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.subscriptions[id]
}

// stops the run loop when there is nothing to serve
// the next subscribe starts a new connection
func (self *DuplexChannel) idle() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.subscriptions) == 0 {
		self.running = false
		return true
	}
	return false
}

func (self *DuplexChannel) abandon(err error) {
	self.mutex.Lock()
	subscriptions := make([]*Subscription, 0, len(self.subscriptions))
	for _, subscription := range self.subscriptions {
		subscriptions = append(subscriptions, subscription)
	}
	clear(self.subscriptions)
	self.running = false
	self.mutex.Unlock()

	for _, subscription := range subscriptions {
		subscription.finish(err)
	}
}

func (self *DuplexChannel) run() {
	policy := self.settings.reconnectPolicy(self.ctx)

	for {
		var ws *websocket.Conn
		var err error
		if glog.V(LogLevelDebug) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[d]connect %s", self.url), self.connect)
		} else {
			ws, err = self.connect()
		}
		if err == nil {
			policy.Reset()
			self.serve(ws)
		} else {
			glog.Infof("[d]connect error = %s\n", err)
		}

		select {
		case <-self.ctx.Done():
			self.abandon(ErrChannelClosed)
			return
		default:
		}

		if self.idle() {
			return
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			glog.Infof("[d]reconnect exhausted %s\n", self.url)
			self.abandon(ErrReconnectExhausted)
			return
		}
		glog.Infof("[d]reconnect in %s\n", wait)

		select {
		case <-self.ctx.Done():
			self.abandon(ErrChannelClosed)
			return
		case <-time.After(wait):
		}
	}
}

func (self *DuplexChannel) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.HandshakeTimeout,
		Subprotocols:     []string{graphqlWsSubprotocol},
	}
	header := http.Header{}
	self.credentials.attachHeader(header)

	ws, _, err := dialer.DialContext(self.ctx, self.url, header)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	initPayload := map[string]any{}
	if token := self.credentials.AuthCookie(); token != "" {
		initPayload["authToken"] = token
	}
	initPayloadBytes, err := json.Marshal(initPayload)
	if err != nil {
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AckTimeout))
	if err := ws.WriteJSON(&wsMessage{Type: gqlConnectionInit, Payload: initPayloadBytes}); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AckTimeout))
	for {
		var message wsMessage
		if err := ws.ReadJSON(&message); err != nil {
			return nil, err
		}
		switch message.Type {
		case gqlConnectionAck:
			ws.SetReadDeadline(time.Time{})
			ws.SetWriteDeadline(time.Time{})
			success = true
			return ws, nil
		case gqlConnectionKeepAlive:
		case gqlConnectionError:
			return nil, fmt.Errorf("Connection error: %s", string(message.Payload))
		default:
			return nil, fmt.Errorf("Connection error: unexpected %s before ack.", message.Type)
		}
	}
}

// serves one connection until it drops or the channel closes
func (self *DuplexChannel) serve(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// subscriptions added after this see `self.ws` and start themselves
	self.mutex.Lock()
	self.ws = ws
	subscriptions := make([]*Subscription, 0, len(self.subscriptions))
	for _, subscription := range self.subscriptions {
		subscriptions = append(subscriptions, subscription)
	}
	self.mutex.Unlock()
	defer func() {
		self.mutex.Lock()
		if self.ws == ws {
			self.ws = nil
		}
		self.mutex.Unlock()
	}()

	for _, subscription := range subscriptions {
		if err := self.writeStart(ws, subscription); err != nil {
			glog.Infof("[d]restart %s error = %s\n", subscription.id, err)
			return
		}
	}

	go func() {
		<-handleCtx.Done()
		if self.ctx.Err() != nil {
			self.write(ws, &wsMessage{Type: gqlConnectionTerminate})
		}
		// unblocks the read
		ws.Close()
	}()

	if 0 < self.settings.PingTimeout {
		go func() {
			defer handleCancel()
			for {
				select {
				case <-handleCtx.Done():
					return
				case <-time.After(self.settings.PingTimeout):
					deadline := time.Now().Add(self.settings.WriteTimeout)
					if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
						glog.Infof("[d]ping error = %s\n", err)
						return
					}
				}
			}
		}()
	}

	extendRead := func() {
		if 0 < self.settings.ReadTimeout {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
	}
	ws.SetPongHandler(func(string) error {
		extendRead()
		return nil
	})

	for {
		extendRead()
		messageType, messageBytes, err := ws.ReadMessage()
		if err != nil {
			if handleCtx.Err() == nil {
				glog.Infof("[d]read error = %s\n", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			self.log("other=%d", messageType)
			continue
		}

		var message wsMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			glog.Infof("[d]bad message = %s\n", err)
			continue
		}
		self.handle(&message)
	}
}

func (self *DuplexChannel) handle(message *wsMessage) {
	switch message.Type {
	case gqlData, gqlError, gqlComplete:
		// operation ids are always ids made by `Subscribe`
		if _, err := ParseId(message.Id); err != nil {
			glog.Infof("[d]bad operation id %q for %s = %s\n", message.Id, message.Type, err)
			return
		}
	}

	switch message.Type {
	case gqlConnectionKeepAlive:
	case gqlData:
		subscription := self.subscription(message.Id)
		if subscription == nil {
			self.log("data for unknown %s", message.Id)
			return
		}
		result := &Result{}
		if err := json.Unmarshal(message.Payload, result); err != nil {
			glog.Infof("[d]bad data %s = %s\n", message.Id, err)
			return
		}
		if !subscription.deliver(result, self.settings.DeliveryTimeout) {
			glog.Infof("[d]drop %s\n", message.Id)
		}
	case gqlError:
		// the operation did not start and is terminated
		subscription := self.remove(message.Id)
		if subscription == nil {
			return
		}
		errs := decodeErrorPayload(message.Payload)
		subscription.deliver(&Result{Errors: errs}, self.settings.DeliveryTimeout)
		subscription.finish(errs)
	case gqlComplete:
		if subscription := self.remove(message.Id); subscription != nil {
			subscription.finish(nil)
		}
	case gqlConnectionError:
		glog.Infof("[d]connection error = %s\n", string(message.Payload))
	default:
		self.log("other=%s", message.Type)
	}
}

// the error payload is either a list of errors or a single error
func decodeErrorPayload(payload json.RawMessage) gqlerror.List {
	var errs gqlerror.List
	if err := json.Unmarshal(payload, &errs); err == nil && 0 < len(errs) {
		return errs
	}
	var single gqlerror.Error
	if err := json.Unmarshal(payload, &single); err == nil && single.Message != "" {
		return gqlerror.List{&single}
	}
	return gqlerror.List{gqlerror.Errorf("Subscription error: %s", string(payload))}
}

// writes `start` only while the subscription is active
// Membership is checked under the write lock, so a `stop` from `unsubscribe` is never
// written before the `start` of the same operation.
func (self *DuplexChannel) writeStart(ws *websocket.Conn, subscription *Subscription) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()

	if self.subscription(subscription.id) == nil {
		self.log("start %s skipped, closed", subscription.id)
		return nil
	}
	return self.writeLocked(ws, startMessage(subscription))
}

func (self *DuplexChannel) write(ws *websocket.Conn, message *wsMessage) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	return self.writeLocked(ws, message)
}

func (self *DuplexChannel) writeLocked(ws *websocket.Conn, message *wsMessage) error {
	if 0 < self.settings.WriteTimeout {
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	}
	return ws.WriteJSON(message)
}

func (self *DuplexChannel) Close() {
	self.cancel()
}
