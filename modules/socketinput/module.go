// Package socketinput attaches a socket.io client to the bound-input
// router: each subscribed event becomes an input-change report carrying
// the event's first JSON payload as a cty value. It is the presentation
// collaborator's transport for user-interaction events.
package socketinput

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/cellgrid/internal/ctxlog"
)

// Sink receives the decoded input events; satisfied by router.Router.
type Sink interface {
	ReportInputEvent(name string, value cty.Value, window time.Duration)
}

// Config describes the connection and the events to forward.
type Config struct {
	URL       string
	Namespace string
	// Events are the socket.io event names to subscribe to. Each event
	// name doubles as the bound input name.
	Events []string
	// Window resolves the debounce window per input name.
	Window func(name string) time.Duration
	// ConnectTimeout bounds the initial connection wait; 15s when zero.
	ConnectTimeout     time.Duration
	InsecureSkipVerify bool
}

// Source is a connected input source. Close disconnects it.
type Source struct {
	io *socket.Socket
}

// Connect dials the socket.io endpoint, subscribes to the configured
// events, and forwards every payload to the sink. It returns once the
// connection is established or fails.
func Connect(ctx context.Context, cfg Config, sink Sink) (*Source, error) {
	logger := ctxlog.FromContext(ctx).With("source", "socketinput", "url", cfg.URL)

	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if cfg.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(cfg.Namespace, opts)

	connectChan := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Input source connected.", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		connectChan <- errs[0].(error)
	})

	for _, event := range cfg.Events {
		name := event
		window := defaultWindow
		if cfg.Window != nil {
			window = cfg.Window(name)
		}
		io.On(types.EventName(name), func(data ...any) {
			if len(data) == 0 {
				logger.Debug("Ignoring event with no payload.", "event", name)
				return
			}
			v, err := decodePayload(data[0])
			if err != nil {
				logger.Warn("Dropping undecodable event payload.", "event", name, "error", err)
				return
			}
			sink.ReportInputEvent(name, v, window)
		})
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	io.Connect()
	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return &Source{io: io}, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection")
	case <-time.After(timeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", timeout)
	}
}

const defaultWindow = 250 * time.Millisecond

// decodePayload converts an arbitrary event payload into a cty value by
// round-tripping through JSON with the implied type.
func decodePayload(payload any) (cty.Value, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return cty.NilVal, fmt.Errorf("cannot encode payload: %w", err)
	}
	ty, err := ctyjson.ImpliedType(raw)
	if err != nil {
		return cty.NilVal, fmt.Errorf("cannot type payload: %w", err)
	}
	v, err := ctyjson.Unmarshal(raw, ty)
	if err != nil {
		return cty.NilVal, fmt.Errorf("cannot decode payload: %w", err)
	}
	return v, nil
}

// Close disconnects the underlying socket.
func (s *Source) Close() {
	s.io.Disconnect()
}
