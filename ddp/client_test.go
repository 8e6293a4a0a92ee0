package ddp

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// testTransport stands in for the websocket: outgoing frames land on a
// channel and the test feeds incoming frames by hand.
type testTransport struct {
	events TransportEvents

	frames chan *Message

	closeOnce sync.Once
}

func (self *testTransport) Send(frame []byte) error {
	message, err := DecodeFrame(frame)
	if err != nil {
		return err
	}
	self.frames <- message
	return nil
}

func (self *testTransport) Close() {
	self.closeOnce.Do(func() {
		go self.events.TransportClosed()
	})
}

func (self *testTransport) open() {
	self.events.TransportOpened()
}

// deliver feeds one incoming frame, in order
func (self *testTransport) deliver(frameJson string) {
	self.events.TransportMessage([]byte(frameJson))
}

func (self *testTransport) fail(err error) {
	self.events.TransportError(err)
}

// nextFrame waits for the next outgoing frame
func (self *testTransport) nextFrame(t *testing.T) *Message {
	select {
	case message := <-self.frames:
		return message
	case <-time.After(2 * time.Second):
		t.Fatal("no outgoing frame")
		return nil
	}
}

func (self *testTransport) expectNoFrame(t *testing.T) {
	select {
	case message := <-self.frames:
		t.Fatalf("unexpected outgoing frame %s", message.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

type testHarness struct {
	transports chan *testTransport
}

func newTestHarness() *testHarness {
	return &testHarness{
		transports: make(chan *testTransport, 8),
	}
}

func (self *testHarness) factory(ctx context.Context, url string, events TransportEvents, settings *TransportSettings) Transport {
	transport := &testTransport{
		events: events,
		frames: make(chan *Message, 128),
	}
	self.transports <- transport
	return transport
}

func (self *testHarness) nextTransport(t *testing.T) *testTransport {
	select {
	case transport := <-self.transports:
		return transport
	case <-time.After(2 * time.Second):
		t.Fatal("no transport created")
		return nil
	}
}

func testClientSettings() *ClientSettings {
	settings := DefaultClientSettings()
	settings.ReconnectBackoff = 10 * time.Millisecond
	settings.HeartbeatInterval = 0
	settings.OfflineSettings.CacheDir = "" // unused unless enabled
	return settings
}

func newTestClient(t *testing.T) (*Client, *testHarness) {
	harness := newTestHarness()
	settings := testClientSettings()
	settings.TransportFactory = harness.factory
	client := NewClient(context.Background(), "ws://test.local/websocket", settings)
	t.Cleanup(client.Close)
	return client, harness
}

func waitFor(t *testing.T, what string, condition func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// connect and complete the handshake
func connectedTestClient(t *testing.T) (*Client, *testHarness, *testTransport) {
	client, harness := newTestClient(t)
	client.Connect()
	transport := harness.nextTransport(t)
	transport.open()

	connect := transport.nextFrame(t)
	assert.Equal(t, MessageTypeConnect, connect.Type)

	transport.deliver(`{"msg":"connected","session":"s1"}`)
	waitFor(t, "connected", func() bool {
		return client.State() == StateConnected
	})
	return client, harness, transport
}

func TestClientConnectNegotiation(t *testing.T) {
	client, harness := newTestClient(t)
	client.Connect()
	transport := harness.nextTransport(t)
	transport.open()

	connect := transport.nextFrame(t)
	assert.Equal(t, MessageTypeConnect, connect.Type)
	assert.Equal(t, "1", connect.Version)
	assert.Equal(t, []string{"1", "pre2"}, connect.Support)

	transport.deliver(`{"server_id":"0"}`)
	transport.deliver(`{"msg":"connected","session":"s1"}`)
	waitFor(t, "connected", func() bool {
		return client.State() == StateConnected
	})
	assert.Equal(t, "s1", client.Session())
}

func TestClientMethodRoundTrip(t *testing.T) {
	client, _, transport := connectedTestClient(t)

	results := make(chan any, 1)
	methodId := client.Call("echo", []any{42}, func(result any, err error) {
		assert.Equal(t, err, nil)
		results <- result
	})
	assert.NotEqual(t, "", methodId)

	method := transport.nextFrame(t)
	assert.Equal(t, MessageTypeMethod, method.Type)
	assert.Equal(t, "echo", method.Method)
	assert.Equal(t, methodId, method.Id)

	transport.deliver(fmt.Sprintf(`{"msg":"result","id":%q,"result":42}`, methodId))
	select {
	case result := <-results:
		assert.Equal(t, float64(42), result)
	case <-time.After(2 * time.Second):
		t.Fatal("no method result")
	}
}

func TestClientCallRequiresConnected(t *testing.T) {
	client, _ := newTestClient(t)

	var sawErr error
	methodId := client.Call("echo", nil, func(result any, err error) {
		sawErr = err
	})
	// the callback fails synchronously and nothing was sent
	assert.Equal(t, "", methodId)
	assert.Equal(t, ErrNotConnected, sawErr)
}

func TestClientDisconnectInvalidatesMethodsFirst(t *testing.T) {
	client, _, transport := connectedTestClient(t)

	var mutex sync.Mutex
	order := []string{}
	record := func(event string) {
		mutex.Lock()
		defer mutex.Unlock()
		order = append(order, event)
	}

	client.AddDisconnectedCallback(func() {
		record("disconnected")
	})

	client.Call("slow1", nil, func(result any, err error) {
		assert.Equal(t, ErrDisconnected, err)
		record("fail1")
	})
	client.Call("slow2", nil, func(result any, err error) {
		assert.Equal(t, ErrDisconnected, err)
		record("fail2")
	})
	transport.nextFrame(t)
	transport.nextFrame(t)

	transport.fail(fmt.Errorf("broken pipe"))

	waitFor(t, "disconnect notification", func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return 3 <= len(order)
	})
	// both in-flight methods fail before the disconnect notification
	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, []string{"fail1", "fail2", "disconnected"}, order)
}

func TestClientAnswersPing(t *testing.T) {
	_, _, transport := connectedTestClient(t)

	transport.deliver(`{"msg":"ping","id":"p1"}`)
	pong := transport.nextFrame(t)
	assert.Equal(t, MessageTypePong, pong.Type)
	assert.Equal(t, "p1", pong.Id)
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	client, harness, transport := connectedTestClient(t)

	subscriptionId := client.Subscribe("items", []any{"p"}, nil)
	sub := transport.nextFrame(t)
	assert.Equal(t, MessageTypeSub, sub.Type)
	assert.Equal(t, subscriptionId, sub.Id)
	assert.Equal(t, "items", sub.Name)

	// lose the connection; the backoff timer opens a new transport
	transport.fail(fmt.Errorf("gone"))
	next := harness.nextTransport(t)
	next.open()

	connect := next.nextFrame(t)
	assert.Equal(t, MessageTypeConnect, connect.Type)
	next.deliver(`{"msg":"connected","session":"s2"}`)

	// the same subscription is re-issued: same id, name, params
	resub := next.nextFrame(t)
	assert.Equal(t, MessageTypeSub, resub.Type)
	assert.Equal(t, subscriptionId, resub.Id)
	assert.Equal(t, "items", resub.Name)
	assert.Equal(t, []any{"p"}, resub.Params)
}

func TestClientGroupReadyFiresOnce(t *testing.T) {
	client, _, transport := connectedTestClient(t)

	var mutex sync.Mutex
	fired := 0
	client.SubscribeMany([]SubscriptionName{
		{Name: "A"},
		{Name: "B"},
	}, func() {
		mutex.Lock()
		defer mutex.Unlock()
		fired += 1
	})

	subA := transport.nextFrame(t)
	subB := transport.nextFrame(t)
	assert.Equal(t, "A", subA.Name)
	assert.Equal(t, "B", subB.Name)

	transport.deliver(fmt.Sprintf(`{"msg":"ready","subs":[%q]}`, subA.Id))
	transport.expectNoFrame(t)
	mutex.Lock()
	assert.Equal(t, 0, fired)
	mutex.Unlock()

	transport.deliver(fmt.Sprintf(`{"msg":"ready","subs":[%q]}`, subB.Id))
	waitFor(t, "group ready", func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return fired == 1
	})

	// duplicate ready does not re-fire
	transport.deliver(fmt.Sprintf(`{"msg":"ready","subs":[%q,%q]}`, subA.Id, subB.Id))
	transport.expectNoFrame(t)
	mutex.Lock()
	assert.Equal(t, 1, fired)
	mutex.Unlock()
}

func TestClientUnsubscribeWhileDisconnectedIsNoop(t *testing.T) {
	client, harness, transport := connectedTestClient(t)

	subscriptionId := client.Subscribe("items", nil, nil)
	transport.nextFrame(t)

	client.Disconnect()
	waitFor(t, "disconnected", func() bool {
		return client.State() == StateDisconnected
	})

	client.Unsubscribe(subscriptionId)

	// the record survived: a reconnect replays it
	client.Connect()
	next := harness.nextTransport(t)
	next.open()
	next.nextFrame(t) // connect
	next.deliver(`{"msg":"connected","session":"s2"}`)

	resub := next.nextFrame(t)
	assert.Equal(t, MessageTypeSub, resub.Type)
	assert.Equal(t, subscriptionId, resub.Id)
}

func TestClientUnsubscribeSendsUnsub(t *testing.T) {
	client, _, transport := connectedTestClient(t)

	subscriptionId := client.Subscribe("items", nil, nil)
	transport.nextFrame(t)

	client.Unsubscribe(subscriptionId)
	unsub := transport.nextFrame(t)
	assert.Equal(t, MessageTypeUnsub, unsub.Type)
	assert.Equal(t, subscriptionId, unsub.Id)
}

func TestClientConnectWhileConnectedRenegotiates(t *testing.T) {
	client, harness, _ := connectedTestClient(t)

	client.Connect()
	next := harness.nextTransport(t)
	next.open()

	connect := next.nextFrame(t)
	assert.Equal(t, MessageTypeConnect, connect.Type)
	next.deliver(`{"msg":"connected","session":"s2"}`)
	waitFor(t, "renegotiated", func() bool {
		return client.Session() == "s2"
	})
}

func TestClientStoreFramesReachWatchers(t *testing.T) {
	client, _, transport := connectedTestClient(t)

	type event struct {
		reason ChangeReason
		id     string
	}
	events := make(chan event, 16)
	client.Watch("c", nil, func(reason ChangeReason, id string, value any) {
		events <- event{reason: reason, id: id}
	})

	transport.deliver(`{"msg":"added","collection":"c","id":"a","fields":{"n":1}}`)
	transport.deliver(`{"msg":"added","collection":"c","id":"b","fields":{"n":2}}`)
	transport.deliver(`{"msg":"addedBefore","collection":"c","id":"x","fields":{},"before":"b"}`)
	transport.deliver(`{"msg":"movedBefore","collection":"c","id":"a","before":"x"}`)

	expected := []event{
		{ChangeReasonAdded, "a"},
		{ChangeReasonAdded, "b"},
		{ChangeReasonAddedBefore, "x"},
		{ChangeReasonMovedBefore, "a"},
	}
	for _, want := range expected {
		select {
		case got := <-events:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing event %s %s", want.reason, want.id)
		}
	}

	assert.Equal(t, []string{"x", "a", "b"}, client.Ids("c"))
}

func TestClientInsertOptimistic(t *testing.T) {
	client, _, transport := connectedTestClient(t)

	id, err := client.Insert("c", Document{"n": 1}, nil)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, "", id)

	// stored locally before the server echoes anything
	value, ok := client.Get("c", id)
	assert.Equal(t, true, ok)
	doc := value.(Document)
	assert.Equal(t, 1, doc["n"])

	method := transport.nextFrame(t)
	assert.Equal(t, MessageTypeMethod, method.Type)
	assert.Equal(t, "/c/insert", method.Method)
	param := method.Params[0].(map[string]any)
	assert.Equal(t, id, param["_id"])
}

func TestClientUpdateSendsModifierOnly(t *testing.T) {
	client, _, transport := connectedTestClient(t)

	transport.deliver(`{"msg":"added","collection":"c","id":"a","fields":{"n":1,"old":"x"}}`)
	waitFor(t, "added", func() bool {
		_, ok := client.Get("c", "a")
		return ok
	})

	client.Update("c", "a", Document{"n": 2, "old": nil}, nil)

	method := transport.nextFrame(t)
	assert.Equal(t, "/c/update", method.Method)
	selector := method.Params[0].(map[string]any)
	assert.Equal(t, "a", selector["_id"])
	modifier := method.Params[1].(map[string]any)
	assert.Equal(t, map[string]any{"n": float64(2)}, modifier["$set"])
	assert.Equal(t, map[string]any{"old": ""}, modifier["$unset"])

	// no local mutation until the server echoes `changed`
	value, _ := client.Get("c", "a")
	assert.Equal(t, float64(1), value.(Document)["n"])

	transport.deliver(`{"msg":"changed","collection":"c","id":"a","fields":{"n":2},"cleared":["old"]}`)
	waitFor(t, "changed", func() bool {
		value, _ := client.Get("c", "a")
		return value.(Document)["n"] == float64(2)
	})
}

func TestClientRemoveOptimistic(t *testing.T) {
	client, _, transport := connectedTestClient(t)

	transport.deliver(`{"msg":"added","collection":"c","id":"a","fields":{}}`)
	waitFor(t, "added", func() bool {
		_, ok := client.Get("c", "a")
		return ok
	})

	client.Remove("c", "a", nil)
	waitFor(t, "removed locally", func() bool {
		_, ok := client.Get("c", "a")
		return !ok
	})

	method := transport.nextFrame(t)
	assert.Equal(t, "/c/remove", method.Method)
}

func TestClientResumesLoginOnReconnect(t *testing.T) {
	client, harness := newTestClient(t)
	client.LoginWithToken("tok1", nil)
	client.Connect()

	transport := harness.nextTransport(t)
	transport.open()
	transport.nextFrame(t) // connect
	transport.deliver(`{"msg":"connected","session":"s1"}`)

	login := transport.nextFrame(t)
	assert.Equal(t, MessageTypeMethod, login.Type)
	assert.Equal(t, "login", login.Method)
	params := login.Params[0].(map[string]any)
	assert.Equal(t, "tok1", params["resume"])

	transport.deliver(fmt.Sprintf(
		`{"msg":"result","id":%q,"result":{"id":"u1","token":"tok2","tokenExpires":{"$date":1800000000000}}}`,
		login.Id,
	))
	waitFor(t, "logged in", func() bool {
		return client.AuthState() == AuthStateLoggedIn
	})
	assert.Equal(t, "u1", client.UserId())
	assert.Equal(t, "tok2", client.ResumeToken())

	// the refreshed token resumes on the next connection
	transport.fail(fmt.Errorf("gone"))
	next := harness.nextTransport(t)
	next.open()
	next.nextFrame(t) // connect
	next.deliver(`{"msg":"connected","session":"s2"}`)

	resume := next.nextFrame(t)
	assert.Equal(t, "login", resume.Method)
	params = resume.Params[0].(map[string]any)
	assert.Equal(t, "tok2", params["resume"])
}

func TestClientNosubDropsSubscription(t *testing.T) {
	client, _, transport := connectedTestClient(t)

	subscriptionId := client.Subscribe("items", nil, nil)
	transport.nextFrame(t)

	transport.deliver(fmt.Sprintf(`{"msg":"nosub","id":%q,"error":{"error":404,"errorType":"Meteor.Error"}}`, subscriptionId))
	waitFor(t, "nosub", func() bool {
		var gone bool
		client.sync(func() {
			_, ok := client.subscriptions.Get(subscriptionId)
			gone = !ok
		})
		return gone
	})
}
