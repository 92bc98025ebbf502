package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type operationMessageType string

// https://github.com/apollographql/subscriptions-transport-ws/blob/v0.9.4/PROTOCOL.md
const (
	typeComplete            operationMessageType = "complete"
	typeConnectionAck       operationMessageType = "connection_ack"
	typeConnectionError     operationMessageType = "connection_error"
	typeConnectionInit      operationMessageType = "connection_init"
	typeConnectionKeepAlive operationMessageType = "ka"
	typeConnectionTerminate operationMessageType = "connection_terminate"
	typeData                operationMessageType = "data"
	typeError               operationMessageType = "error"
	typeStart               operationMessageType = "start"
	typeStop                operationMessageType = "stop"
)

type wsConnection interface {
	Close() error
	ReadJSON(v interface{}) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	WriteJSON(v interface{}) error
}

type sendFunc func(id string, omType operationMessageType, payload json.RawMessage)

type operationMessage struct {
	ID      string               `json:"id,omitempty"`
	Payload json.RawMessage      `json:"payload,omitempty"`
	Type    operationMessageType `json:"type"`
}

type startMessagePayload struct {
	OperationName string                 `json:"operationName"`
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables"`
}

// GraphQLService is the execution engine the connection drives. A one-shot
// operation (query, mutation) is delivered as a single-element closed channel;
// a subscription is a long-lived channel closed by the engine when the stream
// ends. An error return means the operation failed before execution started.
type GraphQLService interface {
	Subscribe(ctx context.Context, document string, operationName string, variableValues map[string]interface{}) (payloads <-chan interface{}, err error)
}

// InitFunc inspects the connection_init payload. It may reject the connection
// by returning an error, and may derive a new context under which every
// operation on the connection runs.
type InitFunc func(ctx context.Context, payload json.RawMessage) (context.Context, error)

// Stats receives connection lifecycle callbacks. Implementations must be safe
// for concurrent use.
type Stats interface {
	ConnectionOpened()
	ConnectionClosed()
	OperationStarted()
	OperationStopped()
	MessageSent(msgType string)
}

type nopStats struct{}

func (nopStats) ConnectionOpened()  {}
func (nopStats) ConnectionClosed()  {}
func (nopStats) OperationStarted()  {}
func (nopStats) OperationStopped()  {}
func (nopStats) MessageSent(string) {}

type connection struct {
	id           string
	cancel       func()
	service      GraphQLService
	writeTimeout time.Duration
	keepAlive    time.Duration
	logger       *zap.Logger
	init         InitFunc
	stats        Stats
	ws           wsConnection
	closeOnce    sync.Once
}

type operationMap struct {
	mu  sync.Mutex
	ops map[string]context.CancelFunc
}

func newOperationMap() *operationMap {
	return &operationMap{ops: make(map[string]context.CancelFunc)}
}

func (o *operationMap) add(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.ops[id] = cancel
	o.mu.Unlock()
}

func (o *operationMap) has(id string) bool {
	o.mu.Lock()
	_, ok := o.ops[id]
	o.mu.Unlock()
	return ok
}

// remove deletes the operation and returns its cancel func. Exactly one caller
// wins the removal; terminal messages for an operation are sent only by the
// winner, which keeps stop/complete/error races off the wire.
func (o *operationMap) remove(id string) (context.CancelFunc, bool) {
	o.mu.Lock()
	cancel, ok := o.ops[id]
	if ok {
		delete(o.ops, id)
	}
	o.mu.Unlock()
	return cancel, ok
}

func (o *operationMap) cancelAll() {
	o.mu.Lock()
	for id, cancel := range o.ops {
		cancel()
		delete(o.ops, id)
	}
	o.mu.Unlock()
}

type Option func(conn *connection)

// ReadLimit limits the maximum size of incoming messages
func ReadLimit(limit int64) Option {
	return func(conn *connection) {
		conn.ws.SetReadLimit(limit)
	}
}

// WriteTimeout sets a timeout for outgoing messages
func WriteTimeout(d time.Duration) Option {
	return func(conn *connection) {
		conn.writeTimeout = d
	}
}

// KeepAlive enables periodic ka messages once the connection is acknowledged.
// Keep-alive is advisory: nothing tracks a reply and nothing disconnects on
// silence.
func KeepAlive(interval time.Duration) Option {
	return func(conn *connection) {
		conn.keepAlive = interval
	}
}

// WithLogger attaches a logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(conn *connection) {
		conn.logger = logger
	}
}

// WithInit registers the connection_init hook.
func WithInit(f InitFunc) Option {
	return func(conn *connection) {
		conn.init = f
	}
}

// WithStats registers a lifecycle stats sink.
func WithStats(s Stats) Option {
	return func(conn *connection) {
		conn.stats = s
	}
}

// Connect implements the apollographql subscriptions-transport-ws protocol@v0.9.4
// https://github.com/apollographql/subscriptions-transport-ws/blob/v0.9.4/PROTOCOL.md
//
// Connect blocks until the connection is closed. It returns a cancel func that
// tears the connection down from the outside.
//
// Protocol policies:
//   - a start reusing a live operation id is ignored; the live operation keeps
//     its stream
//   - a stop for an unknown id is a no-op and resends no complete
//   - a start received before connection_init is answered with a non-fatal
//     connection_error
func Connect(ctx context.Context, ws wsConnection, service GraphQLService, options ...Option) func() {
	conn := &connection{
		id:      uuid.NewString(),
		service: service,
		ws:      ws,
		logger:  zap.NewNop(),
		stats:   nopStats{},
	}

	defaultOpts := []Option{
		ReadLimit(4096),
		WriteTimeout(time.Second),
	}

	for _, opt := range append(defaultOpts, options...) {
		opt(conn)
	}
	conn.logger = conn.logger.With(zap.String("connection_id", conn.id))

	ctx, cancel := context.WithCancel(ctx)
	conn.cancel = cancel

	conn.stats.ConnectionOpened()
	conn.readLoop(ctx, conn.writeLoop(ctx))
	conn.stats.ConnectionClosed()

	return cancel
}

// writeLoop starts the single writer goroutine. Every outbound frame funnels
// through the returned sendFunc, so concurrent operations never race on the
// transport and per-operation emission order is preserved.
func (conn *connection) writeLoop(ctx context.Context) sendFunc {
	stop := make(chan struct{})
	out := make(chan *operationMessage)

	send := func(id string, omType operationMessageType, payload json.RawMessage) {
		select {
		case <-stop:
			return
		case out <- &operationMessage{ID: id, Type: omType, Payload: payload}:
		}
	}

	go func() {
		defer close(stop)
		defer conn.close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-out:
				// a message handed over before shutdown is still flushed;
				// writes after Close fail harmlessly below
				if err := conn.ws.SetWriteDeadline(time.Now().Add(conn.writeTimeout)); err != nil {
					return
				}

				if err := conn.ws.WriteJSON(msg); err != nil {
					conn.logger.Debug("write failed", zap.Error(err))
					return
				}
				conn.stats.MessageSent(string(msg.Type))
			}
		}
	}()

	return send
}

func (conn *connection) close() {
	conn.closeOnce.Do(func() {
		conn.cancel()
		deadline := time.Now().Add(conn.writeTimeout)
		normal := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.ws.WriteControl(websocket.CloseMessage, normal, deadline)
		_ = conn.ws.Close()
	})
}

func (conn *connection) readLoop(ctx context.Context, send sendFunc) {
	defer conn.close()

	ops := newOperationMap()
	defer ops.cancelAll()

	// context under which operations run; the init hook may replace it
	opsCtx := ctx
	acked := false

	for {
		var msg operationMessage
		if err := conn.ws.ReadJSON(&msg); err != nil {
			conn.logger.Debug("read failed", zap.Error(err))
			return
		}

		switch msg.Type {
		case typeConnectionInit:
			if conn.init != nil {
				initCtx, err := conn.init(ctx, msg.Payload)
				if err != nil {
					send("", typeConnectionError, errPayload(err))
					return
				}
				if initCtx != nil {
					opsCtx = initCtx
				}
			}
			send("", typeConnectionAck, nil)
			if !acked && conn.keepAlive > 0 {
				go conn.keepAliveLoop(ctx, send)
			}
			acked = true

		case typeStart:
			if !acked {
				send("", typeConnectionError, errPayload(errors.New("connection not initialised")))
				continue
			}
			if msg.ID == "" {
				send("", typeConnectionError, errPayload(errors.New("missing ID for start operation")))
				continue
			}
			if ops.has(msg.ID) {
				conn.logger.Debug("ignoring start for live operation", zap.String("operation_id", msg.ID))
				continue
			}

			opCtx, opCancel := context.WithCancel(opsCtx)
			ops.add(msg.ID, opCancel)
			conn.stats.OperationStarted()
			go conn.runOperation(opCtx, msg, ops, send)

		case typeStop:
			if cancelOp, ok := ops.remove(msg.ID); ok {
				cancelOp()
				conn.stats.OperationStopped()
				send(msg.ID, typeComplete, nil)
			}

		case typeConnectionTerminate:
			return

		case typeConnectionKeepAlive:
			send("", typeConnectionKeepAlive, nil)

		default:
			send(msg.ID, typeError, errPayload(fmt.Errorf("unknown operation message of type: %s", msg.Type)))
		}
	}
}

// runOperation consumes one operation's result sequence. It never blocks the
// read loop: production waits only on the engine channel and the shared writer.
func (conn *connection) runOperation(ctx context.Context, msg operationMessage, ops *operationMap, send sendFunc) {
	defer func() {
		if r := recover(); r != nil {
			conn.logger.Error("operation panicked",
				zap.String("operation_id", msg.ID),
				zap.Any("panic", r))
			if cancelOp, ok := ops.remove(msg.ID); ok {
				cancelOp()
				conn.stats.OperationStopped()
				send(msg.ID, typeError, errPayload(fmt.Errorf("operation failed: %v", r)))
			}
		}
	}()

	var sp startMessagePayload
	if err := json.Unmarshal(msg.Payload, &sp); err != nil {
		if cancelOp, ok := ops.remove(msg.ID); ok {
			cancelOp()
			conn.stats.OperationStopped()
			send(msg.ID, typeError, errPayload(fmt.Errorf("invalid payload for type: %s", msg.Type)))
			send(msg.ID, typeComplete, nil)
		}
		return
	}

	payloads, err := conn.service.Subscribe(ctx, sp.Query, sp.OperationName, sp.Variables)
	if err != nil {
		if cancelOp, ok := ops.remove(msg.ID); ok {
			cancelOp()
			conn.stats.OperationStopped()
			send(msg.ID, typeError, errPayload(err))
			send(msg.ID, typeComplete, nil)
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case payload, more := <-payloads:
			if !more {
				if _, ok := ops.remove(msg.ID); ok {
					conn.stats.OperationStopped()
					send(msg.ID, typeComplete, nil)
				}
				return
			}

			data, err := json.Marshal(payload)
			if err != nil {
				if cancelOp, ok := ops.remove(msg.ID); ok {
					cancelOp()
					conn.stats.OperationStopped()
					send(msg.ID, typeError, errPayload(err))
				}
				return
			}
			send(msg.ID, typeData, data)
		}
	}
}

func (conn *connection) keepAliveLoop(ctx context.Context, send sendFunc) {
	ticker := time.NewTicker(conn.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send("", typeConnectionKeepAlive, nil)
		}
	}
}

func errPayload(err error) json.RawMessage {
	b, _ := json.Marshal(struct {
		Message string `json:"message"`
	}{
		Message: err.Error(),
	})
	return b
}
