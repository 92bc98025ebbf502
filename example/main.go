// Command example runs a GraphQL server with queries, file-upload mutations
// and websocket subscriptions mounted on /graphql, plus Prometheus metrics on
// /metrics. Try:
//
//	GRAPHQL_ADDR=:8080 go run ./example
//
// then open http://localhost:8080/graphql and run
// `subscription { count(upto: 3) }`.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"
	graphql "github.com/graph-gophers/graphql-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/graphsocket/graphql-ws/graphqlapp"
	"github.com/graphsocket/graphql-ws/graphqlws"
)

type config struct {
	Addr            string        `env:"GRAPHQL_ADDR" envDefault:":8080"`
	IDE             string        `env:"GRAPHQL_IDE" envDefault:"playground"`
	KeepAlive       time.Duration `env:"GRAPHQL_KEEPALIVE" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"GRAPHQL_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		logger.Fatal("failed to parse config", zap.Error(err))
	}

	schema := graphql.MustParseSchema(schemaSDL, &resolver{})

	registry := prometheus.NewRegistry()
	metrics := graphqlws.NewMetrics(registry)

	options := []graphqlapp.Option{
		graphqlapp.WithLogger(logger),
		graphqlapp.WithMetrics(metrics),
		graphqlapp.WithKeepAlive(cfg.KeepAlive),
	}
	if cfg.IDE == "graphiql" {
		options = append(options, graphqlapp.WithGraphiQL())
	}

	mux := http.NewServeMux()
	mux.Handle("/graphql", graphqlapp.New(schema, options...))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}
