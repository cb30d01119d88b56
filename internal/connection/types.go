package connection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rickgao/venuesync/internal/retry"
)

// Errors
var (
	ErrNotConnected        = errors.New("not connected")
	ErrAlreadyClosed       = errors.New("already closed")
	ErrClosing             = errors.New("connection is closing")
	ErrHeartbeatTimeout    = errors.New("heartbeat timeout (no pong)")
	ErrInvalidSubscription = errors.New("subscription type is required")
	ErrNilDialer           = errors.New("dial func is required")
	ErrSuperseded          = errors.New("connection attempt superseded")
)

// Wire methods.
const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodPing        = "ping"
	MethodPong        = "pong"
)

// Channels with special meaning to the manager.
const (
	ChannelPong                 = "pong"
	ChannelSubscriptionResponse = "subscriptionResponse"
	ChannelError                = "error"
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Command is an outbound control message.
type Command struct {
	Method       string        `json:"method"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

// Frame is an inbound message. Data frames carry Channel and Data; a pong may
// arrive as either {"channel":"pong"} or {"method":"pong"}.
type Frame struct {
	Channel string          `json:"channel,omitempty"`
	Method  string          `json:"method,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsPong reports whether the frame answers a ping.
func (f Frame) IsPong() bool {
	return f.Channel == ChannelPong || f.Method == MethodPong
}

// Message is a data frame delivered to channel handlers.
type Message struct {
	Channel    string
	Data       json.RawMessage
	ReceivedAt time.Time
	SessionID  string // Identifies the connection lifetime the frame arrived on
}

// HandlerFunc receives data frames for one channel.
type HandlerFunc func(Message)

// Subscription identifies a stream channel and its parameters. It encodes as
// a flat object: {"type":"trades","coin":"BTC"}.
type Subscription struct {
	Type   string
	Params map[string]string
}

// Key returns the canonical identity of the subscription.
func (s Subscription) Key() string {
	if len(s.Params) == 0 {
		return s.Type
	}
	keys := s.paramKeys()
	var b strings.Builder
	b.WriteString(s.Type)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s.Params[k])
	}
	return b.String()
}

// String returns the short form used in config and logs ("trades:BTC").
func (s Subscription) String() string {
	if v, ok := s.Params["coin"]; ok && len(s.Params) == 1 {
		return s.Type + ":" + v
	}
	if v, ok := s.Params["user"]; ok && len(s.Params) == 1 {
		return s.Type + ":" + v
	}
	return s.Key()
}

// Param returns a parameter value, or "" if absent.
func (s Subscription) Param(name string) string {
	return s.Params[name]
}

func (s Subscription) clone() Subscription {
	if s.Params == nil {
		return s
	}
	params := make(map[string]string, len(s.Params))
	for k, v := range s.Params {
		params[k] = v
	}
	return Subscription{Type: s.Type, Params: params}
}

func (s Subscription) paramKeys() []string {
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON implements json.Marshaler.
func (s Subscription) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	t, err := json.Marshal(s.Type)
	if err != nil {
		return nil, err
	}
	buf.Write(t)
	for _, k := range s.paramKeys() {
		if k == "type" {
			continue
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(s.Params[k])
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler. Non-string parameter values are
// kept in their JSON text form.
func (s *Subscription) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	typ, ok := raw["type"]
	if !ok {
		return ErrInvalidSubscription
	}
	if err := json.Unmarshal(typ, &s.Type); err != nil {
		return fmt.Errorf("subscription type: %w", err)
	}
	delete(raw, "type")

	s.Params = nil
	if len(raw) == 0 {
		return nil
	}
	s.Params = make(map[string]string, len(raw))
	for k, v := range raw {
		var str string
		if err := json.Unmarshal(v, &str); err == nil {
			s.Params[k] = str
			continue
		}
		s.Params[k] = string(v)
	}
	return nil
}

// NewSubscription builds a Subscription from alternating name/value pairs.
func NewSubscription(typ string, kv ...string) Subscription {
	s := Subscription{Type: typ}
	if len(kv) >= 2 {
		s.Params = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			s.Params[kv[i]] = kv[i+1]
		}
	}
	return s
}

// Channels keyed by user rather than coin.
var userChannels = map[string]bool{
	"webData2":                    true,
	"userEvents":                  true,
	"userFills":                   true,
	"userFundings":                true,
	"orderUpdates":                true,
	"notification":                true,
	"userNonFundingLedgerUpdates": true,
}

// IsUserChannel reports whether typ is parameterized by a user address.
func IsUserChannel(typ string) bool {
	return userChannels[typ]
}

// ParseSubscription parses the short form "type" or "type:value". The value
// is a user address for account channels and a coin otherwise.
func ParseSubscription(s string) (Subscription, error) {
	s = strings.TrimSpace(s)
	typ, value, hasValue := strings.Cut(s, ":")
	if typ == "" {
		return Subscription{}, fmt.Errorf("parse %q: %w", s, ErrInvalidSubscription)
	}
	if !hasValue {
		return Subscription{Type: typ}, nil
	}
	if value == "" {
		return Subscription{}, fmt.Errorf("parse %q: empty parameter", s)
	}
	if userChannels[typ] {
		return NewSubscription(typ, "user", value), nil
	}
	return NewSubscription(typ, "coin", value), nil
}

// State is the stream connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL            string        // WebSocket URL (e.g., wss://api.hyperliquid.xyz/ws)
	Header         http.Header   // Extra handshake headers
	ConnectTimeout time.Duration // Deadline for the handshake
	WriteTimeout   time.Duration // Write deadline for sends
	BufferSize     int           // Message channel buffer size
	MaxMessageSize int64         // Largest inbound frame; bigger frames fail the connection
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		BufferSize:     10000,
		MaxMessageSize: 4 << 20,
	}
}

// ManagerConfig configures the stream Manager.
type ManagerConfig struct {
	ConnectTimeout       time.Duration // Deadline for each dial
	HeartbeatInterval    time.Duration // Ping period; no pong within twice this forces a reconnect
	MaxReconnectAttempts int           // Consecutive failures before giving up (0 = never)
	Backoff              retry.Backoff // Reconnect delay schedule
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		MaxReconnectAttempts: 10,
		Backoff:              retry.DefaultBackoff(),
	}
}

// ManagerStats provides statistics about the stream manager.
type ManagerStats struct {
	State             State         `json:"state"`
	SessionID         string        `json:"session_id,omitempty"`
	ConnectedAt       time.Time     `json:"connected_at,omitzero"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	Reconnects        int64         `json:"reconnects"`
	Subscriptions     []string      `json:"subscriptions"`
	Latency           time.Duration `json:"latency"`
	MessagesReceived  int64         `json:"messages_received"`
	ProtocolErrors    int64         `json:"protocol_errors"`
}
