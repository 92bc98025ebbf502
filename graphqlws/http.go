package graphqlws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/graphsocket/graphql-ws/graphqlws/internal/connection"
)

const protocolGraphQLWS = "graphql-ws"

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return true },
	Subprotocols: []string{protocolGraphQLWS},
}

// GraphQLService is the execution engine driven by the websocket transport.
// See connection.GraphQLService for the channel contract.
type GraphQLService interface {
	Subscribe(ctx context.Context, document string, operationName string, variableValues map[string]interface{}) (payloads <-chan interface{}, err error)
}

// InitFunc inspects the connection_init payload and may reject the connection
// or derive the context under which its operations run.
type InitFunc func(ctx context.Context, payload json.RawMessage) (context.Context, error)

// ContextGeneratorFunc is called with the upgrade request before the
// connection starts and may derive the connection's base context from it.
type ContextGeneratorFunc func(ctx context.Context, r *http.Request) (context.Context, error)

type config struct {
	ctxGenerators []ContextGeneratorFunc
	connOptions   []connection.Option
}

// Option configures the websocket handler.
type Option func(*config)

// WithContextGenerator appends a generator for the connection's base context.
// Generators run in registration order, each receiving the previous context.
func WithContextGenerator(f ContextGeneratorFunc) Option {
	return func(c *config) {
		c.ctxGenerators = append(c.ctxGenerators, f)
	}
}

// WithConnectionInit registers the connection_init hook.
func WithConnectionInit(f InitFunc) Option {
	return func(c *config) {
		c.connOptions = append(c.connOptions, connection.WithInit(connection.InitFunc(f)))
	}
}

// WithLogger attaches a logger to every connection.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		c.connOptions = append(c.connOptions, connection.WithLogger(logger))
	}
}

// WithMetrics registers Prometheus collectors fed by connection lifecycle
// events. A nil Metrics is ignored.
func WithMetrics(m *Metrics) Option {
	return func(c *config) {
		if m != nil {
			c.connOptions = append(c.connOptions, connection.WithStats(m))
		}
	}
}

// WithKeepAlive enables periodic ka messages on acknowledged connections.
func WithKeepAlive(interval time.Duration) Option {
	return func(c *config) {
		c.connOptions = append(c.connOptions, connection.KeepAlive(interval))
	}
}

// WithReadLimit limits the maximum size of incoming messages.
func WithReadLimit(limit int64) Option {
	return func(c *config) {
		c.connOptions = append(c.connOptions, connection.ReadLimit(limit))
	}
}

// WithWriteTimeout sets a timeout for outgoing messages.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) {
		c.connOptions = append(c.connOptions, connection.WriteTimeout(d))
	}
}

func newConfig(options ...Option) *config {
	c := &config{}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *config) buildContext(r *http.Request) (context.Context, error) {
	ctx := context.Background()
	for _, generate := range c.ctxGenerators {
		var err error
		ctx, err = generate(ctx, r)
		if err != nil {
			return nil, err
		}
	}
	return ctx, nil
}

func processOptions(r *http.Request, options ...Option) (context.Context, error) {
	return newConfig(options...).buildContext(r)
}

// NewHandlerFunc returns an http.HandlerFunc that speaks the graphql-ws
// sub-protocol on websocket upgrade requests and delegates every other request
// to httpHandler. This is the mountable entry point: register it on the
// /graphql route of any router.
func NewHandlerFunc(svc GraphQLService, httpHandler http.Handler, options ...Option) http.HandlerFunc {
	cfg := newConfig(options...)

	return func(w http.ResponseWriter, r *http.Request) {
		for _, subprotocol := range websocket.Subprotocols(r) {
			if subprotocol != protocolGraphQLWS {
				continue
			}

			ctx, err := cfg.buildContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}

			if ws.Subprotocol() != protocolGraphQLWS {
				ws.Close()
				return
			}

			go connection.Connect(ctx, ws, svc, cfg.connOptions...)
			return
		}

		httpHandler.ServeHTTP(w, r)
	}
}
