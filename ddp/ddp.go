package ddp

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// connection lifecycle. `connect` always tears down any existing
// transport first, so connecting while connected renegotiates.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	// websocket open, `connect` sent, awaiting `connected`
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

type ConnectedFunction func(session string)
type DisconnectedFunction func()
type SessionUpdateFunction func(userId string, state AuthState)

type ClientSettings struct {
	// negotiated protocol version. "1" advertises ["1","pre2"],
	// anything else advertises ["pre2","pre1"]
	Version string
	// reconnect delay is ReconnectBackoff * tries
	ReconnectBackoff time.Duration
	// tries stops growing here (backoff cap)
	MaxReconnectTries int
	// client-initiated ping interval. 0 disables.
	HeartbeatInterval time.Duration
	LoopBufferSize    int

	TransportFactory  TransportFactory
	TransportSettings *TransportSettings
	OfflineSettings   *OfflineSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		Version:           "1",
		ReconnectBackoff:  5 * time.Second,
		MaxReconnectTries: 6,
		HeartbeatInterval: 30 * time.Second,
		LoopBufferSize:    32,
		TransportFactory:  NewWebSocketTransport,
		TransportSettings: DefaultTransportSettings(),
		OfflineSettings:   DefaultOfflineSettings(),
	}
}

// Client is a DDP session against one server url
// (`ws://host/websocket` or `wss://host/websocket`).
//
// All protocol activity and every callback runs on a single event
// loop goroutine: transport events, timers, and caller operations
// serialize onto it, so there are no locks around session state.
// Callbacks must not call the synchronous accessors (State, Get,
// Values, ...) since those wait on the same loop.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *ClientSettings

	loop chan func()

	ids           idGenerator
	codecs        *CodecRegistry
	dispatcher    *Dispatcher
	store         *Store
	subscriptions *SubscriptionManager
	methods       *MethodManager
	auth          *authManager
	offline       *offlineOverlay

	state               ConnectionState
	tries               int
	disconnectRequested bool
	sessionId           string
	pendingPingId       string
	transport           Transport
	// transport generation, bumped on every teardown so stale
	// transport events are ignored
	transportGen int

	connectedCallbacks     *CallbackList[ConnectedFunction]
	readyCallbacks         *CallbackList[ReadyFunction]
	disconnectedCallbacks  *CallbackList[DisconnectedFunction]
	sessionUpdateCallbacks *CallbackList[SessionUpdateFunction]
}

func NewClientWithDefaults(ctx context.Context, url string) *Client {
	return NewClient(ctx, url, DefaultClientSettings())
}

func NewClient(ctx context.Context, url string, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:                    cancelCtx,
		cancel:                 cancel,
		url:                    url,
		settings:               settings,
		loop:                   make(chan func(), settings.LoopBufferSize),
		codecs:                 NewCodecRegistry(),
		dispatcher:             NewDispatcher(),
		state:                  StateDisconnected,
		tries:                  1,
		connectedCallbacks:     NewCallbackList[ConnectedFunction](),
		readyCallbacks:         NewCallbackList[ReadyFunction](),
		disconnectedCallbacks:  NewCallbackList[DisconnectedFunction](),
		sessionUpdateCallbacks: NewCallbackList[SessionUpdateFunction](),
	}
	client.store = NewStore(client.codecs, client.dispatcher)
	client.subscriptions = NewSubscriptionManager(&client.ids)
	client.methods = NewMethodManager()
	client.auth = newAuthManager(client)
	client.offline = newOfflineOverlay(client, settings.OfflineSettings)
	go client.run()
	return client
}

func (self *Client) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case f := <-self.loop:
			f()
		}
	}
}

// post hands work to the event loop
func (self *Client) post(f func()) {
	select {
	case <-self.ctx.Done():
	case self.loop <- f:
	}
}

// sync runs work on the event loop and waits for it.
// Never call from inside a callback; callbacks already run on the loop.
func (self *Client) sync(f func()) {
	done := make(chan struct{})
	self.post(func() {
		defer close(done)
		f()
	})
	select {
	case <-self.ctx.Done():
	case <-done:
	}
}

func (self *Client) Close() {
	self.sync(func() {
		self.disconnectRequested = false
		self.dropTransport()
		self.state = StateDisconnected
	})
	self.cancel()
}

func (self *Client) Url() string {
	return self.url
}

func (self *Client) Codecs() *CodecRegistry {
	return self.codecs
}

// RegisterCodec attaches the typed codec for a collection. Documents
// already stored raw are not retroactively converted.
func (self *Client) RegisterCodec(collection string, codec Codec) {
	self.codecs.Register(collection, codec)
}

// lifecycle callbacks. each Add returns the unsubscribe.

func (self *Client) AddConnectedCallback(callback ConnectedFunction) func() {
	callbackId := self.connectedCallbacks.Add(callback)
	return func() {
		self.connectedCallbacks.Remove(callbackId)
	}
}

// ready fires after `connected` processing completes: resume login
// issued and subscriptions re-sent
func (self *Client) AddReadyCallback(callback ReadyFunction) func() {
	callbackId := self.readyCallbacks.Add(callback)
	return func() {
		self.readyCallbacks.Remove(callbackId)
	}
}

func (self *Client) AddDisconnectedCallback(callback DisconnectedFunction) func() {
	callbackId := self.disconnectedCallbacks.Add(callback)
	return func() {
		self.disconnectedCallbacks.Remove(callbackId)
	}
}

func (self *Client) AddSessionUpdateCallback(callback SessionUpdateFunction) func() {
	callbackId := self.sessionUpdateCallbacks.Add(callback)
	return func() {
		self.sessionUpdateCallbacks.Remove(callbackId)
	}
}

// accessors

func (self *Client) State() ConnectionState {
	var state ConnectionState
	self.sync(func() {
		state = self.state
	})
	return state
}

// the server session id from the `connected` frame
func (self *Client) Session() string {
	var session string
	self.sync(func() {
		session = self.sessionId
	})
	return session
}

func (self *Client) UserId() string {
	var userId string
	self.sync(func() {
		userId = self.auth.userId
	})
	return userId
}

func (self *Client) AuthState() AuthState {
	var state AuthState
	self.sync(func() {
		state = self.auth.state
	})
	return state
}

func (self *Client) Get(collection string, id string) (any, bool) {
	var value any
	var ok bool
	self.sync(func() {
		var stored StoredValue
		stored, ok = self.store.Get(collection, id)
		if ok {
			value = stored.Value()
		}
	})
	return value, ok
}

// values in collection order
func (self *Client) Values(collection string) []any {
	var values []any
	self.sync(func() {
		for _, stored := range self.store.Values(collection) {
			values = append(values, stored.Value())
		}
	})
	return values
}

func (self *Client) Ids(collection string) []string {
	var ids []string
	self.sync(func() {
		ids = self.store.Ids(collection)
	})
	return ids
}

func (self *Client) CollectionNames() []string {
	var names []string
	self.sync(func() {
		names = self.store.CollectionNames()
	})
	return names
}

// session fsm

// Connect opens a fresh transport. Any existing transport is dropped
// first, so calling while connected renegotiates from scratch.
func (self *Client) Connect() {
	self.post(func() {
		self.disconnectRequested = false
		self.dropTransport()
		self.openTransport()
	})
}

// Disconnect closes intentionally: no reconnect is scheduled and
// outstanding methods fail with ErrDisconnected.
func (self *Client) Disconnect() {
	self.post(func() {
		self.disconnectRequested = true
		if self.transport == nil {
			self.state = StateDisconnected
			return
		}
		self.transport.Close()
	})
}

// on the loop
func (self *Client) dropTransport() {
	if self.transport == nil {
		return
	}
	self.transport.Close()
	self.transport = nil
	self.transportGen += 1
}

// on the loop
func (self *Client) openTransport() {
	self.transportGen += 1
	adapter := &transportAdapter{
		client: self,
		gen:    self.transportGen,
	}
	self.state = StateConnecting
	self.transport = self.settings.TransportFactory(self.ctx, self.url, adapter, self.settings.TransportSettings)
}

// transportAdapter forwards transport events onto the loop, tagged
// with the generation they belong to
type transportAdapter struct {
	client *Client
	gen    int
}

func (self *transportAdapter) TransportOpened() {
	self.client.post(func() {
		self.client.handleTransportOpened(self.gen)
	})
}

func (self *transportAdapter) TransportMessage(frame []byte) {
	self.client.post(func() {
		self.client.handleTransportMessage(self.gen, frame)
	})
}

func (self *transportAdapter) TransportError(err error) {
	self.client.post(func() {
		self.client.handleConnectionLoss(self.gen, err)
	})
}

func (self *transportAdapter) TransportClosed() {
	self.client.post(func() {
		self.client.handleConnectionLoss(self.gen, nil)
	})
}

func (self *Client) handleTransportOpened(gen int) {
	if gen != self.transportGen {
		return
	}
	glog.V(2).Infof("[ddp]open %s\n", self.url)
	self.tries = 1
	// server truth replaces everything except restored offline state
	self.store.ResetKeepingOffline()
	self.subscriptions.ResetReady()
	self.sendMessage(newConnectMessage(self.settings.Version))
}

func (self *Client) handleTransportMessage(gen int, frame []byte) {
	if gen != self.transportGen {
		return
	}
	message, err := DecodeFrame(frame)
	if err != nil {
		glog.Infof("[ddp]frame decode error = %s\n", err)
		return
	}
	switch message.Type {
	case MessageTypeConnected:
		self.handleConnected(message)
	case MessageTypePing:
		self.sendMessage(newPongMessage(message.Id))
	case MessageTypePong:
		if message.Id == self.pendingPingId {
			self.pendingPingId = ""
		}
	case MessageTypeAdded:
		self.store.ApplyAdded(message.Collection, message.Id, message.Fields)
		self.offline.markDirty(message.Collection)
	case MessageTypeAddedBefore:
		before := ""
		if message.Before != nil {
			before = *message.Before
		}
		self.store.ApplyAddedBefore(message.Collection, message.Id, message.Fields, before)
		self.offline.markDirty(message.Collection)
	case MessageTypeChanged:
		self.store.ApplyChanged(message.Collection, message.Id, message.Fields, message.Cleared)
		self.offline.markDirty(message.Collection)
	case MessageTypeMovedBefore:
		self.store.ApplyMovedBefore(message.Collection, message.Id, message.Before)
		self.offline.markDirty(message.Collection)
	case MessageTypeRemoved:
		self.store.ApplyRemoved(message.Collection, message.Id)
		self.offline.markDirty(message.Collection)
	case MessageTypeReady:
		self.subscriptions.MarkReady(message.Subs)
	case MessageTypeNosub:
		if message.Error != nil {
			glog.Infof("[ddp]nosub %s error = %s\n", message.Id, message.Error)
		}
		self.subscriptions.Drop(message.Id)
	case MessageTypeResult:
		self.methods.Complete(message)
	case MessageTypeUpdated:
		self.methods.MarkUpdated(message.Methods)
	case MessageTypeFailed:
		// the server refused the advertised versions
		glog.Infof("[ddp]version negotiation failed, server wants %s\n", message.Version)
		self.dropTransport()
		self.scheduleReconnect()
	case MessageTypeError:
		glog.Infof("[ddp]server error = %s %s\n", message.Reason, message.Id)
	default:
		// includes the pre-connected server id banner
		glog.V(2).Infof("[ddp]drop frame msg=%q\n", message.Type)
	}
}

func (self *Client) handleConnected(message *Message) {
	self.state = StateConnected
	self.sessionId = message.Session
	for _, callback := range self.connectedCallbacks.Get() {
		callback(message.Session)
	}
	self.auth.handleConnected()
	// re-issue every active subscription with its original name and
	// params. ids are reused.
	for _, sub := range self.subscriptions.All() {
		self.sendMessage(newSubMessage(sub.Id, sub.Name, sub.Params))
	}
	self.schedulePing(self.transportGen)
	for _, callback := range self.readyCallbacks.Get() {
		callback()
	}
}

func (self *Client) handleConnectionLoss(gen int, err error) {
	if gen != self.transportGen {
		return
	}
	if err != nil {
		glog.Infof("[ddp]transport error = %s\n", err)
	}
	self.dropTransport()
	self.sessionId = ""
	self.pendingPingId = ""

	// every in-flight method reaches its terminal state before the
	// disconnect notification goes out
	self.methods.FailAll(ErrDisconnected)
	self.auth.handleDisconnected()
	for _, callback := range self.disconnectedCallbacks.Get() {
		callback()
	}

	if self.disconnectRequested {
		self.disconnectRequested = false
		self.state = StateDisconnected
		return
	}
	self.scheduleReconnect()
}

func (self *Client) scheduleReconnect() {
	self.state = StateReconnecting
	delay := self.settings.ReconnectBackoff * time.Duration(self.tries)
	if self.tries < self.settings.MaxReconnectTries {
		self.tries += 1
	}
	gen := self.transportGen
	glog.Infof("[ddp]reconnect in %s\n", delay)
	time.AfterFunc(delay, func() {
		self.post(func() {
			self.reconnect(gen)
		})
	})
}

// idempotent: a reconnect that finds a transport already open does
// nothing
func (self *Client) reconnect(gen int) {
	if gen != self.transportGen {
		return
	}
	if self.transport != nil {
		return
	}
	if self.state != StateReconnecting {
		return
	}
	self.openTransport()
}

func (self *Client) schedulePing(gen int) {
	if self.settings.HeartbeatInterval <= 0 {
		return
	}
	time.AfterFunc(self.settings.HeartbeatInterval, func() {
		self.post(func() {
			if gen != self.transportGen || self.state != StateConnected {
				return
			}
			self.pendingPingId = self.ids.NextId()
			self.sendMessage(newPingMessage(self.pendingPingId))
			self.schedulePing(gen)
		})
	})
}

// on the loop. send failures surface through the transport close path.
func (self *Client) sendMessage(message *Message) {
	if self.transport == nil {
		glog.V(2).Infof("[ddp]drop send %s, no transport\n", message.Type)
		return
	}
	frame, err := EncodeFrame(message, self.codecs)
	if err != nil {
		glog.Infof("[ddp]frame encode error = %s\n", err)
		return
	}
	if err := self.transport.Send(frame); err != nil {
		glog.Infof("[ddp]send error = %s\n", err)
	}
}

// subscriptions

// Subscribe registers the subscription and, when connected, sends the
// `sub` now. Either way it is replayed on every (re)connect.
func (self *Client) Subscribe(name string, params []any, readyCallback ReadyFunction) string {
	var subscriptionId string
	self.sync(func() {
		sub := self.subscriptions.Add(name, params, readyCallback)
		subscriptionId = sub.Id
		if self.state == StateConnected {
			self.sendMessage(newSubMessage(sub.Id, sub.Name, sub.Params))
		}
	})
	return subscriptionId
}

// SubscribeMany subscribes each (name, params) and fires the callback
// exactly once, when all members are ready.
func (self *Client) SubscribeMany(names []SubscriptionName, readyCallback ReadyFunction) string {
	var groupId string
	self.sync(func() {
		var subs []*Subscription
		groupId, subs = self.subscriptions.AddGroup(names, readyCallback)
		if self.state == StateConnected {
			for _, sub := range subs {
				self.sendMessage(newSubMessage(sub.Id, sub.Name, sub.Params))
			}
		}
	})
	return groupId
}

// Unsubscribe takes a subscription id or a group id.
// While disconnected this is a no-op.
func (self *Client) Unsubscribe(id string) {
	self.post(func() {
		if self.state != StateConnected {
			return
		}
		if self.subscriptions.IsGroup(id) {
			for _, memberId := range self.subscriptions.RemoveGroup(id) {
				self.sendMessage(newUnsubMessage(memberId))
			}
			return
		}
		if _, ok := self.subscriptions.Get(id); !ok {
			return
		}
		self.sendMessage(newUnsubMessage(id))
		self.subscriptions.Drop(id)
	})
}

// methods

// Call invokes a server method. It requires a connected session;
// otherwise the callback fails with ErrNotConnected before Call
// returns. The returned id is "" when the call was not attempted.
func (self *Client) Call(method string, params []any, callback MethodCallback) string {
	var methodId string
	self.sync(func() {
		methodId = self.callOnLoop(method, params, callback)
	})
	return methodId
}

// on the loop
func (self *Client) callOnLoop(method string, params []any, callback MethodCallback) string {
	if self.state != StateConnected {
		if callback != nil {
			callback(nil, ErrNotConnected)
		}
		return ""
	}
	methodId := self.ids.NextId()
	self.methods.Register(methodId, callback)
	self.sendMessage(newMethodMessage(methodId, method, params))
	return methodId
}

// watchers

func (self *Client) Watch(collection string, predicate PredicateFunction, callback WatchFunction) int {
	var watcherId int
	self.sync(func() {
		watcherId = self.dispatcher.Watch(collection, predicate, callback)
	})
	return watcherId
}

func (self *Client) WatchId(collection string, targetId string, callback WatchFunction) int {
	var watcherId int
	self.sync(func() {
		watcherId = self.dispatcher.WatchId(collection, targetId, callback)
	})
	return watcherId
}

func (self *Client) Unwatch(collection string, watcherId int) {
	self.post(func() {
		self.dispatcher.Unwatch(collection, watcherId)
	})
}
