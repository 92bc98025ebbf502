// Package graphqlhttp serves GraphQL over plain HTTP: POST requests carrying
// application/json or multipart/form-data bodies (the latter per the GraphQL
// multipart request convention for file uploads), and an optional GET handler
// for an in-browser IDE page.
package graphqlhttp

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	"go.uber.org/zap"
)

// Service executes a single GraphQL operation. The returned value is
// marshaled as the JSON response body and is expected to follow the
// {"data": ..., "errors": [...]} response shape.
type Service interface {
	Exec(ctx context.Context, query string, operationName string, variables map[string]interface{}) interface{}
}

const defaultMaxUploadMemory = 32 << 20

// Handler serves GraphQL over HTTP.
type Handler struct {
	service   Service
	get       http.Handler
	logger    *zap.Logger
	maxMemory int64
}

// Option configures the handler.
type Option func(*Handler)

// WithGetHandler serves h on GET requests, typically an IDE page from
// GraphiQLHandler or PlaygroundHandler. Without it GET is answered 405.
func WithGetHandler(h http.Handler) Option {
	return func(handler *Handler) {
		handler.get = h
	}
}

// WithLogger attaches a logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(handler *Handler) {
		handler.logger = logger
	}
}

// WithMaxUploadMemory bounds the in-memory portion of multipart parsing.
func WithMaxUploadMemory(n int64) Option {
	return func(handler *Handler) {
		handler.maxMemory = n
	}
}

// NewHandler returns a GraphQL HTTP handler backed by svc.
func NewHandler(svc Service, options ...Option) *Handler {
	h := &Handler{
		service:   svc,
		logger:    zap.NewNop(),
		maxMemory: defaultMaxUploadMemory,
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if h.get != nil {
			h.get.ServeHTTP(w, r)
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
	case http.MethodPost:
		h.post(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// operation is one decoded GraphQL request.
type operation struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName"`
	Variables     map[string]interface{} `json:"variables"`
}

var (
	errInvalidJSON     = errors.New("Request body is not a valid JSON")
	errBatching        = errors.New("This server does not support batching")
	errContentType     = errors.New("Content-type must be application/json or multipart/form-data")
	errInvalidForm     = errors.New("Request body is not a valid multipart/form-data")
	errOperationsJSON  = errors.New("'operations' must be a valid JSON")
	errOperationsShape = errors.New("'operations' field must be an Object or an Array")
	errMapJSON         = errors.New("'map' field must be a valid JSON")
	errMapShape        = errors.New("'map' field must be an Object")
)

func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	op, err := operationFromRequest(r, h.maxMemory)
	if err != nil {
		h.logger.Debug("bad request", zap.Error(err))
		writeErrors(w, http.StatusBadRequest, err)
		return
	}

	result := h.service.Exec(r.Context(), op.Query, op.OperationName, op.Variables)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

func operationFromRequest(r *http.Request, maxMemory int64) (*operation, error) {
	contentType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, errContentType
	}

	switch contentType {
	case "application/json":
		return operationFromJSON(r)
	case "multipart/form-data":
		return operationFromMultipart(r, maxMemory)
	default:
		return nil, errContentType
	}
}

func operationFromJSON(r *http.Request) (*operation, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, errInvalidJSON
	}
	if isJSONArray(raw) {
		return nil, errBatching
	}

	var op operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, errInvalidJSON
	}
	return &op, nil
}

func isJSONArray(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

func writeErrors(w http.ResponseWriter, code int, errs ...error) {
	messages := make([]string, len(errs))
	for i, err := range errs {
		messages[i] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		Errors []string `json:"errors"`
	}{Errors: messages})
}
