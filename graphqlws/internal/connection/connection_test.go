package connection_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/graphsocket/graphql-ws/graphqlws/internal/connection"
)

type messageIntention int

const (
	clientSends messageIntention = iota
	expectation
	expectClosed
)

const (
	connectionInit = `{"type":"connection_init","payload":{}}`
	connectionACK  = `{"type":"connection_ack"}`
)

type message struct {
	intention        messageIntention
	operationMessage string
}

func TestConnect(t *testing.T) {
	testTable := []struct {
		name     string
		svc      *gqlService
		options  []connection.Option
		messages []message
	}{
		{
			name: "connection_init_ok",
			messages: []message{
				{clientSends, connectionInit},
				{expectation, connectionACK},
			},
		},
		{
			name: "connection_init_rejected_by_hook",
			options: []connection.Option{
				connection.WithInit(func(ctx context.Context, payload json.RawMessage) (context.Context, error) {
					return nil, errors.New("missing auth token")
				}),
			},
			messages: []message{
				{clientSends, connectionInit},
				{expectation, `{
					"type": "connection_error",
					"payload": {"message": "missing auth token"}
				}`},
				{intention: expectClosed},
			},
		},
		{
			name: "start_before_init",
			messages: []message{
				{clientSends, `{"type":"start","id":"a-id","payload":{}}`},
				{expectation, `{
					"type": "connection_error",
					"payload": {"message": "connection not initialised"}
				}`},
			},
		},
		{
			name: "start_missing_id",
			messages: []message{
				{clientSends, connectionInit},
				{expectation, connectionACK},
				{clientSends, `{"type":"start","payload":{}}`},
				{expectation, `{
					"type": "connection_error",
					"payload": {"message": "missing ID for start operation"}
				}`},
			},
		},
		{
			name: "start_one_shot",
			svc:  newGQLService(`{"data":{},"errors":null}`),
			messages: []message{
				{clientSends, connectionInit},
				{expectation, connectionACK},
				{clientSends, `{"type":"start","id":"a-id","payload":{}}`},
				{expectation, `{
					"type": "data",
					"id": "a-id",
					"payload": {"data":{},"errors":null}
				}`},
				{expectation, `{"type":"complete","id":"a-id"}`},
			},
		},
		{
			name: "start_one_shot_with_errors",
			svc:  newGQLService(`{"data":null,"errors":[{"message":"a error"}]}`),
			messages: []message{
				{clientSends, connectionInit},
				{expectation, connectionACK},
				{clientSends, `{"type":"start","id":"a-id","payload":{}}`},
				{expectation, `{
					"type": "data",
					"id": "a-id",
					"payload": {"data":null,"errors":[{"message":"a error"}]}
				}`},
				{expectation, `{"type":"complete","id":"a-id"}`},
			},
		},
		{
			name: "start_query_error",
			svc:  &gqlService{err: errors.New("some error")},
			messages: []message{
				{clientSends, connectionInit},
				{expectation, connectionACK},
				{clientSends, `{"type":"start","id":"a-id","payload":{}}`},
				{expectation, `{
					"type": "error",
					"id": "a-id",
					"payload": {"message": "some error"}
				}`},
				{expectation, `{"type":"complete","id":"a-id"}`},
			},
		},
		{
			name: "subscription_stream_in_order",
			svc: newGQLService(
				`{"data":{"count":0}}`,
				`{"data":{"count":1}}`,
				`{"data":{"count":2}}`,
			),
			messages: []message{
				{clientSends, connectionInit},
				{expectation, connectionACK},
				{clientSends, `{
					"type": "start",
					"id": "1",
					"payload": {"query": "subscription { count(upto: 3) }"}
				}`},
				{expectation, `{"type":"data","id":"1","payload":{"data":{"count":0}}}`},
				{expectation, `{"type":"data","id":"1","payload":{"data":{"count":1}}}`},
				{expectation, `{"type":"data","id":"1","payload":{"data":{"count":2}}}`},
				{expectation, `{"type":"complete","id":"1"}`},
				{clientSends, `{"type":"connection_terminate"}`},
				{intention: expectClosed},
			},
		},
		{
			name: "unknown_message_type",
			messages: []message{
				{clientSends, connectionInit},
				{expectation, connectionACK},
				{clientSends, `{"type":"warble","id":"a-id"}`},
				{expectation, `{
					"type": "error",
					"id": "a-id",
					"payload": {"message": "unknown operation message of type: warble"}
				}`},
			},
		},
		{
			name: "stop_unknown_id_is_noop",
			messages: []message{
				{clientSends, connectionInit},
				{expectation, connectionACK},
				{clientSends, `{"type":"stop","id":"never-started"}`},
				// the next reply proves no complete was emitted for the stop
				{clientSends, `{"type":"warble"}`},
				{expectation, `{
					"type": "error",
					"payload": {"message": "unknown operation message of type: warble"}
				}`},
			},
		},
		{
			name: "keep_alive_echo",
			messages: []message{
				{clientSends, connectionInit},
				{expectation, connectionACK},
				{clientSends, `{"type":"ka"}`},
				{expectation, `{"type":"ka"}`},
			},
		},
		{
			name: "connection_terminate",
			messages: []message{
				{clientSends, connectionInit},
				{expectation, connectionACK},
				{clientSends, `{"type":"connection_terminate"}`},
				{intention: expectClosed},
			},
		},
	}

	for _, tt := range testTable {
		t.Run(tt.name, func(t *testing.T) {
			ws := newConnection()
			go connection.Connect(context.Background(), ws, tt.svc, tt.options...)
			ws.test(t, tt.messages)
		})
	}
}

func TestStopCancelsSubscription(t *testing.T) {
	svc := newStreamingService()
	ws := newConnection()
	go connection.Connect(context.Background(), ws, svc)

	ws.test(t, []message{
		{clientSends, connectionInit},
		{expectation, connectionACK},
		{clientSends, `{"type":"start","id":"s1","payload":{"query":"subscription { count }"}}`},
	})

	opCtx := svc.waitForSubscribe(t)
	svc.emit(t, `{"data":{"count":0}}`)
	ws.expect(t, `{"type":"data","id":"s1","payload":{"data":{"count":0}}}`)

	ws.send(t, `{"type":"stop","id":"s1"}`)
	ws.expect(t, `{"type":"complete","id":"s1"}`)

	// the engine-side sequence must be released promptly
	select {
	case <-opCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("stop did not cancel the subscription context")
	}
}

func TestDisconnectCancelsSubscriptions(t *testing.T) {
	svc := newStreamingService()
	ws := newConnection()
	go connection.Connect(context.Background(), ws, svc)

	ws.test(t, []message{
		{clientSends, connectionInit},
		{expectation, connectionACK},
		{clientSends, `{"type":"start","id":"s1","payload":{"query":"subscription { count }"}}`},
	})

	opCtx := svc.waitForSubscribe(t)
	ws.send(t, `{"type":"connection_terminate"}`)

	select {
	case <-opCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("terminate did not cancel the subscription context")
	}
}

func TestDuplicateStartIgnored(t *testing.T) {
	svc := newStreamingService()
	ws := newConnection()
	go connection.Connect(context.Background(), ws, svc)

	ws.test(t, []message{
		{clientSends, connectionInit},
		{expectation, connectionACK},
		{clientSends, `{"type":"start","id":"dup","payload":{"query":"subscription { count }"}}`},
	})
	svc.waitForSubscribe(t)

	svc.emit(t, `{"data":{"count":0}}`)
	ws.expect(t, `{"type":"data","id":"dup","payload":{"data":{"count":0}}}`)

	// reusing a live id must not disturb the running operation
	ws.send(t, `{"type":"start","id":"dup","payload":{"query":"subscription { count }"}}`)
	svc.emit(t, `{"data":{"count":1}}`)
	ws.expect(t, `{"type":"data","id":"dup","payload":{"data":{"count":1}}}`)

	require.EqualValues(t, 1, svc.subscribeCalls.Load())
}

func TestServicePanicReportedAsOperationError(t *testing.T) {
	svc := &gqlService{panicWith: "boom"}
	ws := newConnection()
	go connection.Connect(context.Background(), ws, svc)

	ws.test(t, []message{
		{clientSends, connectionInit},
		{expectation, connectionACK},
		{clientSends, `{"type":"start","id":"p1","payload":{}}`},
		{expectation, `{
			"type": "error",
			"id": "p1",
			"payload": {"message": "operation failed: boom"}
		}`},
		// connection survives the panic
		{clientSends, `{"type":"ka"}`},
		{expectation, `{"type":"ka"}`},
	})
}

func TestKeepAliveInterval(t *testing.T) {
	ws := newConnection()
	go connection.Connect(context.Background(), ws, nil, connection.KeepAlive(20*time.Millisecond))

	ws.test(t, []message{
		{clientSends, connectionInit},
		{expectation, connectionACK},
		{expectation, `{"type":"ka"}`},
		{expectation, `{"type":"ka"}`},
	})
}

type gqlService struct {
	payloads  <-chan interface{}
	err       error
	panicWith string
}

func newGQLService(pp ...string) *gqlService {
	c := make(chan interface{}, len(pp))
	for _, p := range pp {
		c <- json.RawMessage(p)
	}
	close(c)

	return &gqlService{payloads: c}
}

func (h *gqlService) Subscribe(ctx context.Context, document string, operationName string, variableValues map[string]interface{}) (<-chan interface{}, error) {
	if h.panicWith != "" {
		panic(h.panicWith)
	}
	return h.payloads, h.err
}

// streamingService hands out a channel the test feeds and records each
// subscription's context so cancellation is observable.
type streamingService struct {
	payloads       chan interface{}
	contexts       chan context.Context
	subscribeCalls atomic.Int64
}

func newStreamingService() *streamingService {
	return &streamingService{
		payloads: make(chan interface{}),
		contexts: make(chan context.Context, 8),
	}
}

func (s *streamingService) Subscribe(ctx context.Context, document string, operationName string, variableValues map[string]interface{}) (<-chan interface{}, error) {
	s.subscribeCalls.Add(1)
	s.contexts <- ctx
	return s.payloads, nil
}

func (s *streamingService) waitForSubscribe(t *testing.T) context.Context {
	t.Helper()
	select {
	case ctx := <-s.contexts:
		return ctx
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Subscribe")
		return nil
	}
}

func (s *streamingService) emit(t *testing.T, payload string) {
	t.Helper()
	select {
	case s.payloads <- json.RawMessage(payload):
	case <-time.After(time.Second):
		t.Fatal("timed out emitting payload")
	}
}

func newConnection() *wsConnection {
	return &wsConnection{
		in:     make(chan json.RawMessage),
		out:    make(chan json.RawMessage, 16),
		closed: make(chan struct{}),
	}
}

type wsConnection struct {
	in     chan json.RawMessage
	out    chan json.RawMessage
	closed chan struct{}
	once   sync.Once
}

func (ws *wsConnection) test(t *testing.T, messages []message) {
	t.Helper()
	for _, msg := range messages {
		switch msg.intention {
		case clientSends:
			ws.send(t, msg.operationMessage)
		case expectation:
			ws.expect(t, msg.operationMessage)
		case expectClosed:
			select {
			case <-ws.closed:
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for the connection to close")
			}
		}
	}
}

func (ws *wsConnection) send(t *testing.T, operationMessage string) {
	t.Helper()
	select {
	case ws.in <- json.RawMessage(operationMessage):
	case <-time.After(time.Second):
		t.Fatalf("timed out sending %s", operationMessage)
	}
}

func (ws *wsConnection) expect(t *testing.T, operationMessage string) {
	t.Helper()
	select {
	case got := <-ws.out:
		require.JSONEq(t, operationMessage, string(got))
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", operationMessage)
	}
}

func (ws *wsConnection) ReadJSON(v interface{}) error {
	msg, ok := <-ws.in
	if !ok {
		return errors.New("connection closed")
	}
	return json.Unmarshal(msg, v)
}

func (ws *wsConnection) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case ws.out <- json.RawMessage(data):
		return nil
	case <-ws.closed:
		return errors.New("connection closed")
	}
}

func (ws *wsConnection) SetReadLimit(limit int64) {}

func (ws *wsConnection) SetWriteDeadline(t time.Time) error { return nil }

func (ws *wsConnection) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (ws *wsConnection) Close() error {
	ws.once.Do(func() {
		close(ws.closed)
		close(ws.in)
	})
	return nil
}
