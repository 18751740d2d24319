package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/auth"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/observe"
)

// RequestIDHeader carries the request correlation id.
const RequestIDHeader = "X-Request-ID"

// HostConfig configures a Host.
type HostConfig struct {
	// Guard authorizes every invocation. Required.
	Guard *auth.Guard

	// MaxInputBytes bounds request bodies.
	// Default: 1 MiB
	MaxInputBytes int64

	Telemetry observe.Telemetry
}

type registered struct {
	op   Operation
	exec observe.ExecuteFunc
}

// Host serves registered operations over HTTP. It is safe for concurrent
// use; operations may be registered while serving.
type Host struct {
	guard      *auth.Guard
	maxInput   int64
	telemetry  observe.Telemetry
	middleware *observe.Middleware

	mu  sync.RWMutex
	ops map[string]registered
}

// NewHost creates a Host.
func NewHost(config HostConfig) (*Host, error) {
	if config.Guard == nil {
		return nil, errors.New("tool: guard is required")
	}
	if config.MaxInputBytes <= 0 {
		config.MaxInputBytes = 1 << 20
	}
	t := config.Telemetry.OrNop()
	return &Host{
		guard:      config.Guard,
		maxInput:   config.MaxInputBytes,
		telemetry:  t,
		middleware: observe.NewMiddleware(t),
		ops:        make(map[string]registered),
	}, nil
}

// Register adds an operation.
func (h *Host) Register(op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.ops[op.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, op.Name)
	}
	handler := op.Handler
	h.ops[op.Name] = registered{
		op: op,
		exec: h.middleware.Wrap(func(ctx context.Context, _ observe.Call, input any) (any, error) {
			return handler(ctx, input.(json.RawMessage))
		}),
	}
	return nil
}

// Operations lists registered operations sorted by name.
func (h *Host) Operations() []Info {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Info, 0, len(h.ops))
	for _, r := range h.ops {
		out = append(out, Info{
			Name:               r.op.Name,
			Description:        r.op.Description,
			RequiredPermission: r.op.RequiredPermission,
		})
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (h *Host) lookup(name string) (registered, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.ops[name]
	return r, ok
}

// Handler returns the HTTP handler for the tool routes.
func (h *Host) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tools", h.handleList)
	mux.HandleFunc("POST /tools/{name}", h.handleInvoke)
	return withRequestID(mux)
}

// Response is the success body of an invocation.
type Response struct {
	RequestID string `json:"request_id"`
	Result    any    `json:"result"`
}

func (h *Host) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": h.Operations()})
}

func (h *Host) handleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := RequestIDFromContext(ctx)

	reg, ok := h.lookup(r.PathValue("name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, auth.ErrorResponse{Error: "not_found", Message: "unknown tool"})
		return
	}
	op := reg.op

	token, d, err := h.guard.Authorize(r, op.RequiredPermission)
	if err != nil {
		h.telemetry.Logger.Info(ctx, "tool call rejected",
			observe.Field{Key: "request_id", Value: reqID},
			observe.Field{Key: "tool", Value: op.Name},
			observe.Field{Key: "status", Value: auth.StatusCode(err)})
		h.guard.WriteError(w, err)
		return
	}
	ctx = auth.WithDecision(auth.WithToken(ctx, token), d)

	input, err := readInput(r, h.maxInput)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, auth.ErrorResponse{Error: "invalid_input", Message: err.Error()})
		return
	}

	result, err := reg.exec(ctx, op.call(token, reqID), input)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, auth.ErrorResponse{Error: "invalid_input", Message: err.Error()})
			return
		}
		h.guard.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{RequestID: reqID, Result: result})
}

func readInput(r *http.Request, limit int64) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(body) {
		return nil, errors.New("body is not valid JSON")
	}
	return json.RawMessage(body), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
