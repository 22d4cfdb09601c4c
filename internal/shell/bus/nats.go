// Package bus provides the NATS-backed engine transport. Each RPC call is a
// JSON request/reply exchange on a single subject; the engine replies with
// either a result or a fault envelope carrying the origin-type name.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opsforge/stackgate/internal/core/fault"
)

// =============================================================================
// Wire Envelopes
// =============================================================================

// callEnvelope is the request side of the engine RPC wire format. Version is
// omitted from the wire entirely when empty; the engine treats an absent
// version as "oldest supported".
type callEnvelope struct {
	ID      string         `json:"id"`
	Method  string         `json:"method"`
	Version string         `json:"version,omitempty"`
	Args    map[string]any `json:"args"`
}

// replyEnvelope is the response side. Exactly one of Result and Error is set.
type replyEnvelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *faultEnvelope  `json:"error,omitempty"`
}

type faultEnvelope struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// EncodeCall serializes a call envelope with a fresh correlation id.
func EncodeCall(method string, args map[string]any, version string) ([]byte, error) {
	return json.Marshal(callEnvelope{
		ID:      uuid.New().String(),
		Method:  method,
		Version: version,
		Args:    args,
	})
}

// DecodeReply parses a reply envelope, converting a fault envelope into a
// *fault.RemoteError.
func DecodeReply(data []byte) (any, error) {
	var reply replyEnvelope
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("malformed engine reply: %w", err)
	}
	if reply.Error != nil {
		return nil, &fault.RemoteError{
			Type:      reply.Error.Type,
			Message:   reply.Error.Message,
			Traceback: reply.Error.Traceback,
		}
	}
	if len(reply.Result) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		return nil, fmt.Errorf("malformed engine result: %w", err)
	}
	return result, nil
}

// =============================================================================
// EngineTransport
// =============================================================================

// EngineTransport implements engine.Transport over a NATS connection.
type EngineTransport struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
	logger  *slog.Logger
}

// Config holds engine transport configuration.
type Config struct {
	URL     string        // NATS server URL, e.g. "nats://localhost:4222"
	Subject string        // engine RPC subject
	Timeout time.Duration // per-call timeout when the context has no deadline
}

// Dial connects to NATS and returns a transport for the engine subject.
func Dial(cfg Config, logger *slog.Logger) (*EngineTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Subject == "" {
		cfg.Subject = "engine.rpc"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []nats.Option{
		nats.Name("stackgate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from engine bus", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to engine bus", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("engine bus connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to engine bus: %w", err)
	}

	return &EngineTransport{
		nc:      nc,
		subject: cfg.Subject,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// Call sends one RPC to the engine and waits synchronously for its reply.
func (t *EngineTransport) Call(ctx context.Context, method string, args map[string]any, version string) (any, error) {
	data, err := EncodeCall(method, args, version)
	if err != nil {
		return nil, fmt.Errorf("encoding engine call %s: %w", method, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	msg, err := t.nc.RequestWithContext(ctx, t.subject, data)
	if err != nil {
		return nil, fmt.Errorf("engine call %s: %w", method, err)
	}

	result, err := DecodeReply(msg.Data)
	if err != nil {
		t.logger.Debug("engine call faulted", "method", method, "error", err)
	}
	return result, err
}

// Close shuts down the underlying NATS connection.
func (t *EngineTransport) Close() {
	if t.nc != nil {
		t.nc.Close()
	}
}
