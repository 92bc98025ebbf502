// Package graphqlapp mounts a complete GraphQL endpoint on one route:
// websocket upgrades negotiate the graphql-ws subscription sub-protocol,
// POST requests execute queries and mutations (JSON or multipart file
// uploads), and GET serves an in-browser IDE.
package graphqlapp

import (
	"net/http"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"go.uber.org/zap"

	"github.com/graphsocket/graphql-ws/graphqlgo"
	"github.com/graphsocket/graphql-ws/graphqlhttp"
	"github.com/graphsocket/graphql-ws/graphqlws"
)

type config struct {
	get         http.Handler
	httpOptions []graphqlhttp.Option
	wsOptions   []graphqlws.Option
}

// Option configures the mounted endpoint.
type Option func(*config)

// WithLogger attaches a logger to both transports.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		c.httpOptions = append(c.httpOptions, graphqlhttp.WithLogger(logger))
		c.wsOptions = append(c.wsOptions, graphqlws.WithLogger(logger))
	}
}

// WithGraphiQL serves GraphiQL on GET instead of the default Playground.
func WithGraphiQL() Option {
	return func(c *config) {
		c.get = graphqlhttp.GraphiQLHandler()
	}
}

// WithPlaygroundOptions serves Playground on GET with the given init options.
func WithPlaygroundOptions(options map[string]interface{}) Option {
	return func(c *config) {
		c.get = graphqlhttp.PlaygroundHandler(options)
	}
}

// WithGetHandler serves h on GET requests, replacing the IDE page.
func WithGetHandler(h http.Handler) Option {
	return func(c *config) {
		c.get = h
	}
}

// WithMetrics feeds the websocket transport's Prometheus collectors.
func WithMetrics(m *graphqlws.Metrics) Option {
	return func(c *config) {
		c.wsOptions = append(c.wsOptions, graphqlws.WithMetrics(m))
	}
}

// WithKeepAlive enables periodic ka messages on subscription connections.
func WithKeepAlive(interval time.Duration) Option {
	return func(c *config) {
		c.wsOptions = append(c.wsOptions, graphqlws.WithKeepAlive(interval))
	}
}

// WithConnectionInit registers the connection_init hook for subscription
// connections.
func WithConnectionInit(f graphqlws.InitFunc) Option {
	return func(c *config) {
		c.wsOptions = append(c.wsOptions, graphqlws.WithConnectionInit(f))
	}
}

// New returns the endpoint handler for schema, ready to register on a route.
func New(schema *graphql.Schema, options ...Option) http.Handler {
	c := &config{get: graphqlhttp.PlaygroundHandler(nil)}
	for _, opt := range options {
		opt(c)
	}

	svc := graphqlgo.NewService(schema)
	httpOptions := append([]graphqlhttp.Option{graphqlhttp.WithGetHandler(c.get)}, c.httpOptions...)
	httpHandler := graphqlhttp.NewHandler(svc, httpOptions...)

	return graphqlws.NewHandlerFunc(svc, httpHandler, c.wsOptions...)
}
