// Package graphqlgo binds a github.com/graph-gophers/graphql-go schema to the
// transport packages: graphqlhttp gets single-result execution, graphqlws gets
// the one-shot-or-stream Subscribe contract.
package graphqlgo

import (
	"context"
	"errors"
	"strings"

	graphql "github.com/graph-gophers/graphql-go"
	gqlerrors "github.com/graph-gophers/graphql-go/errors"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// Service adapts a *graphql.Schema.
type Service struct {
	schema *graphql.Schema
}

// NewService returns the adapter for schema.
func NewService(schema *graphql.Schema) *Service {
	return &Service{schema: schema}
}

// Exec runs one query or mutation and returns its response.
func (s *Service) Exec(ctx context.Context, query string, operationName string, variables map[string]interface{}) interface{} {
	return s.schema.Exec(ctx, query, operationName, variables)
}

// Subscribe starts the operation and returns its result sequence. A
// subscription document yields the engine's stream; anything else is executed
// as a one-shot whose single result arrives on a closed channel. A document
// that fails before execution yields an error instead of a sequence.
func (s *Service) Subscribe(ctx context.Context, query string, operationName string, variables map[string]interface{}) (<-chan interface{}, error) {
	if isSubscription(query, operationName) {
		return s.schema.Subscribe(ctx, query, operationName, variables)
	}

	res := s.schema.Exec(ctx, query, operationName, variables)
	if res.Data == nil && len(res.Errors) > 0 {
		return nil, joinQueryErrors(res.Errors)
	}

	out := make(chan interface{}, 1)
	out <- res
	close(out)
	return out, nil
}

// isSubscription classifies the requested operation without touching the
// engine. A document that does not parse is left to the engine, which reports
// the syntax error through the one-shot path.
func isSubscription(query string, operationName string) bool {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		return false
	}
	op := doc.Operations.ForName(operationName)
	return op != nil && op.Operation == ast.Subscription
}

func joinQueryErrors(errs []*gqlerrors.QueryError) error {
	messages := make([]string, len(errs))
	for i, qerr := range errs {
		messages[i] = qerr.Message
	}
	return errors.New(strings.Join(messages, "; "))
}
