package mqtt

import (
	"fmt"
	"time"
)

// Connection constants.
const (
	// defaultConnectTimeout bounds transport dial plus CONNECT/CONNACK.
	defaultConnectTimeout = 10 * time.Second

	// defaultAckTimeout bounds every PUBACK/PUBREC/PUBCOMP/SUBACK/UNSUBACK wait.
	defaultAckTimeout = 30 * time.Second

	// defaultWriteTimeout bounds a single packet write.
	defaultWriteTimeout = 10 * time.Second

	// defaultKeepAlive is the keepalive interval announced in CONNECT.
	defaultKeepAlive = 60 * time.Second

	// defaultWebSocketPath is used when a ws target carries no path.
	defaultWebSocketPath = "/mqtt"

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// protocolName and protocolLevel identify MQTT 3.1.1 in CONNECT.
	protocolName  = "MQTT"
	protocolLevel = 4
)

// Transport networks understood by Dial.
const (
	NetworkTCP       = "tcp"
	NetworkWebSocket = "ws"
)

// Options configures a single broker connection.
type Options struct {
	// Network is NetworkTCP (default) or NetworkWebSocket.
	Network string

	// Address is host:port of the broker.
	Address string

	// Path is the HTTP path for WebSocket transport (default "/mqtt").
	Path string

	// ClientID is sent in CONNECT. The broker may reject empty ids.
	ClientID string

	// Username and Password are optional. A password without a username
	// is not sent.
	Username string
	Password string

	// KeepAlive is announced to the broker and drives PINGREQ. Zero
	// disables keepalive.
	KeepAlive time.Duration

	// ConnectTimeout bounds the dial and handshake.
	ConnectTimeout time.Duration

	// AckTimeout bounds each acknowledgment wait.
	AckTimeout time.Duration

	// WriteTimeout bounds each packet write.
	WriteTimeout time.Duration

	// Logger receives connection lifecycle events. Optional.
	Logger Logger
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// withDefaults fills zero values with package defaults.
func (o Options) withDefaults() Options {
	if o.Network == "" {
		o.Network = NetworkTCP
	}
	if o.Network == NetworkWebSocket && o.Path == "" {
		o.Path = defaultWebSocketPath
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaultAckTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.KeepAlive < 0 {
		o.KeepAlive = 0
	}
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
	return o
}

// validate checks the options after defaults are applied.
func (o Options) validate() error {
	if o.Network != NetworkTCP && o.Network != NetworkWebSocket {
		return fmt.Errorf("%w: unsupported network %q", ErrConnectionFailed, o.Network)
	}
	if o.Address == "" {
		return fmt.Errorf("%w: address is required", ErrConnectionFailed)
	}
	if o.KeepAlive > 65535*time.Second {
		return fmt.Errorf("%w: keepalive %v exceeds 65535s", ErrConnectionFailed, o.KeepAlive)
	}
	return nil
}

// keepAliveSeconds is the CONNECT keepalive field, rounded up so that a
// sub-second interval still announces keepalive.
func (o Options) keepAliveSeconds() uint16 {
	return uint16((o.KeepAlive + time.Second - 1) / time.Second)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
