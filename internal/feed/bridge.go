package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/venuesync/internal/buffer"
	"github.com/rickgao/venuesync/internal/cache"
	"github.com/rickgao/venuesync/internal/connection"
	"github.com/rickgao/venuesync/internal/metrics"
	"github.com/rickgao/venuesync/internal/model"
	"github.com/rickgao/venuesync/internal/retry"
)

// Errors
var (
	ErrNilStream      = errors.New("feed: stream is required")
	ErrNilStore       = errors.New("feed: cache store is required")
	ErrBridgeStarted  = errors.New("feed: bridge already started")
	ErrTypeMismatch   = errors.New("feed: cached value has unexpected type")
	ErrNoUser         = errors.New("no user for account frame")
	ErrInvalidJSON    = errors.New("invalid json")
	ErrBookHasNoCoin  = errors.New("book has no coin")
	ErrTradeHasNoCoin = errors.New("trade has no coin")
)

// DefaultTradeWindow is the number of trades kept per coin.
const DefaultTradeWindow = 100

// Stream is the part of connection.Manager the bridge drives.
type Stream interface {
	Subscribe(sub connection.Subscription) error
	Unsubscribe(sub connection.Subscription) error
	Handle(channel string, fn connection.HandlerFunc) (remove func())
}

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	TTL         time.Duration // TTL of entries written from frames (0 = store default)
	TradeWindow int           // Trades kept per coin (default: 100)
}

// BridgeStats counts frames seen by the bridge.
type BridgeStats struct {
	Applied      int64 `json:"applied"`
	Ignored      int64 `json:"ignored"`
	DecodeErrors int64 `json:"decode_errors"`
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithTradeQueue forwards every new trade to q.
func WithTradeQueue(q *buffer.Growable[model.ReceivedTrade]) BridgeOption {
	return func(b *Bridge) {
		b.trades = q
	}
}

// WithMidQueue forwards one sample per coin from every allMids frame to q.
func WithMidQueue(q *buffer.Growable[model.MidSample]) BridgeOption {
	return func(b *Bridge) {
		b.mids = q
	}
}

// WithBridgeLogger sets the logger.
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Bridge writes stream frames into the cache. Entries it wrote before a
// reconnect are left alone and expire on their original schedule.
type Bridge struct {
	stream Stream
	store  *cache.Store[any]
	cfg    BridgeConfig
	trades *buffer.Growable[model.ReceivedTrade]
	mids   *buffer.Growable[model.MidSample]
	logger *slog.Logger

	mu      sync.Mutex
	subs    []connection.Subscription
	users   map[string]string // user channel -> subscribed user
	remove  func()
	started bool

	applied      atomic.Int64
	ignored      atomic.Int64
	decodeErrors atomic.Int64
}

// NewBridge creates a Bridge.
func NewBridge(stream Stream, store *cache.Store[any], cfg BridgeConfig, opts ...BridgeOption) (*Bridge, error) {
	if stream == nil {
		return nil, ErrNilStream
	}
	if store == nil {
		return nil, ErrNilStore
	}
	if cfg.TradeWindow <= 0 {
		cfg.TradeWindow = DefaultTradeWindow
	}

	b := &Bridge{
		stream: stream,
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		users:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "feed")
	return b, nil
}

// Start registers the frame handler and subscribes subs on the stream.
func (b *Bridge) Start(subs []connection.Subscription) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return ErrBridgeStarted
	}
	b.started = true
	for _, sub := range subs {
		if user := sub.Param("user"); user != "" && connection.IsUserChannel(sub.Type) {
			b.users[sub.Type] = user
		}
	}
	b.mu.Unlock()

	remove := b.stream.Handle(connection.AllChannels, b.handle)

	b.mu.Lock()
	b.remove = remove
	b.mu.Unlock()

	for _, sub := range subs {
		if err := b.stream.Subscribe(sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub, err)
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
	}

	b.logger.Info("bridge started", "subscriptions", len(subs), "ttl", b.cfg.TTL)
	return nil
}

// Stop removes the frame handler and unsubscribes everything Start added.
func (b *Bridge) Stop() {
	b.mu.Lock()
	remove := b.remove
	subs := b.subs
	b.remove = nil
	b.subs = nil
	b.started = false
	b.mu.Unlock()

	if remove != nil {
		remove()
	}
	for _, sub := range subs {
		if err := b.stream.Unsubscribe(sub); err != nil {
			b.logger.Warn("unsubscribe failed", "subscription", sub.String(), "error", err)
		}
	}
}

// Stats returns frame counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Applied:      b.applied.Load(),
		Ignored:      b.ignored.Load(),
		DecodeErrors: b.decodeErrors.Load(),
	}
}

func (b *Bridge) handle(msg connection.Message) {
	var err error
	switch {
	case msg.Channel == ChannelAllMids:
		err = b.applyMids(msg)
	case msg.Channel == ChannelTrades:
		err = b.applyTrades(msg)
	case msg.Channel == ChannelL2Book:
		err = b.applyBook(msg)
	case connection.IsUserChannel(msg.Channel):
		err = b.applyAccount(msg)
	case msg.Channel == connection.ChannelSubscriptionResponse, msg.Channel == connection.ChannelError:
		return
	default:
		b.ignored.Add(1)
		return
	}

	if err != nil {
		b.decodeErrors.Add(1)
		metrics.StreamProtocolErrors.Inc()
		b.logger.Warn("dropping frame",
			"channel", msg.Channel,
			"error", retry.Protocol("decode "+msg.Channel, err),
		)
		return
	}
	b.applied.Add(1)
}

func (b *Bridge) applyMids(msg connection.Message) error {
	var all model.AllMids
	if err := json.Unmarshal(msg.Data, &all); err != nil {
		return err
	}
	if all.Mids == nil {
		all.Mids = model.Mids{}
	}
	b.store.Set(MidsKey, all.Mids, cache.WithTTL(b.cfg.TTL), cache.WithTags(TagMarket))

	if b.mids != nil {
		for coin, mid := range all.Mids {
			b.mids.Send(model.MidSample{Coin: coin, Mid: mid, ReceivedAt: msg.ReceivedAt})
		}
	}
	return nil
}

func (b *Bridge) applyTrades(msg connection.Message) error {
	var trades []model.Trade
	if err := json.Unmarshal(msg.Data, &trades); err != nil {
		return err
	}
	for _, t := range trades {
		if t.Coin == "" {
			return ErrTradeHasNoCoin
		}
	}

	var coins []string
	byCoin := make(map[string][]model.Trade)
	for _, t := range trades {
		if _, ok := byCoin[t.Coin]; !ok {
			coins = append(coins, t.Coin)
		}
		byCoin[t.Coin] = append(byCoin[t.Coin], t)
	}

	var fresh []model.Trade
	b.mu.Lock()
	for _, coin := range coins {
		added := b.appendTradesLocked(coin, byCoin[coin])
		fresh = append(fresh, added...)
	}
	b.mu.Unlock()

	if b.trades != nil {
		for _, t := range fresh {
			b.trades.Send(model.ReceivedTrade{Trade: t, ReceivedAt: msg.ReceivedAt, SessionID: msg.SessionID})
		}
	}
	return nil
}

// appendTradesLocked merges batch into the coin's window, skipping trades the
// window already holds, and returns the trades that were new. A resubscribe
// replays recent trades, so duplicates are expected.
func (b *Bridge) appendTradesLocked(coin string, batch []model.Trade) []model.Trade {
	key := TradesKey(coin)

	var window []model.Trade
	if prev, ok := b.store.Peek(key); ok {
		window, _ = prev.([]model.Trade)
	}
	seen := make(map[int64]struct{}, len(window))
	for _, t := range window {
		seen[t.TID] = struct{}{}
	}

	var added []model.Trade
	for _, t := range batch {
		if _, dup := seen[t.TID]; dup {
			continue
		}
		seen[t.TID] = struct{}{}
		added = append(added, t)
	}
	if len(added) == 0 && window != nil {
		return nil
	}

	next := make([]model.Trade, 0, len(window)+len(added))
	next = append(next, window...)
	next = append(next, added...)
	if over := len(next) - b.cfg.TradeWindow; over > 0 {
		next = append([]model.Trade(nil), next[over:]...)
	}

	b.store.Set(key, next, cache.WithTTL(b.cfg.TTL), cache.WithTags(TagTrades, CoinTag(coin)))
	return added
}

func (b *Bridge) applyBook(msg connection.Message) error {
	var book model.L2Book
	if err := json.Unmarshal(msg.Data, &book); err != nil {
		return err
	}
	if book.Coin == "" {
		return ErrBookHasNoCoin
	}
	b.store.Set(BookKey(book.Coin), book,
		cache.WithTTL(b.cfg.TTL),
		cache.WithTags(TagBook, CoinTag(book.Coin)),
	)
	return nil
}

func (b *Bridge) applyAccount(msg connection.Message) error {
	if !json.Valid(msg.Data) {
		return ErrInvalidJSON
	}
	var user string
	if data := bytes.TrimLeft(msg.Data, " \t\r\n"); len(data) > 0 && data[0] == '{' {
		var body struct {
			User string `json:"user"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		user = body.User
	}

	if user == "" {
		b.mu.Lock()
		user = b.users[msg.Channel]
		b.mu.Unlock()
	}
	if user == "" {
		return ErrNoUser
	}

	update := model.AccountUpdate{
		User:       user,
		Channel:    msg.Channel,
		Raw:        append(json.RawMessage(nil), msg.Data...),
		ReceivedAt: msg.ReceivedAt,
	}
	b.store.Set(AccountKey(msg.Channel, user), update,
		cache.WithTTL(b.cfg.TTL),
		cache.WithTags(TagAccount, UserTag(user)),
	)
	return nil
}
