package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/venuesync/internal/buffer"
	"github.com/rickgao/venuesync/internal/cache"
	"github.com/rickgao/venuesync/internal/clock"
	"github.com/rickgao/venuesync/internal/connection"
	"github.com/rickgao/venuesync/internal/model"
	"github.com/rickgao/venuesync/internal/retry"
)

var epoch = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

// fakeStream records subscriptions and lets tests deliver frames directly.
type fakeStream struct {
	mu       sync.Mutex
	subs     []connection.Subscription
	unsubs   []connection.Subscription
	handlers map[int]connection.HandlerFunc
	nextID   int
	subErr   error
}

func newFakeStream() *fakeStream {
	return &fakeStream{handlers: make(map[int]connection.HandlerFunc)}
}

func (s *fakeStream) Subscribe(sub connection.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subErr != nil {
		return s.subErr
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *fakeStream) Unsubscribe(sub connection.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs = append(s.unsubs, sub)
	return nil
}

func (s *fakeStream) Handle(channel string, fn connection.HandlerFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

func (s *fakeStream) deliver(channel, data string) {
	s.mu.Lock()
	hs := make([]connection.HandlerFunc, 0, len(s.handlers))
	for _, h := range s.handlers {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	msg := connection.Message{
		Channel:    channel,
		Data:       json.RawMessage(data),
		ReceivedAt: epoch,
		SessionID:  "session-1",
	}
	for _, h := range hs {
		h(msg)
	}
}

func newTestStore(t *testing.T, clk clock.Clock) *cache.Store[any] {
	t.Helper()
	store, err := cache.New[any](cache.Options{
		Name:       "test",
		MaxSize:    100,
		DefaultTTL: time.Minute,
		Clock:      clk,
	})
	require.NoError(t, err)
	return store
}

func mustParse(t *testing.T, subs ...string) []connection.Subscription {
	t.Helper()
	out := make([]connection.Subscription, 0, len(subs))
	for _, s := range subs {
		sub, err := connection.ParseSubscription(s)
		require.NoError(t, err)
		out = append(out, sub)
	}
	return out
}

func TestNewBridge_Validation(t *testing.T) {
	store := newTestStore(t, clock.NewMock(epoch))

	_, err := NewBridge(nil, store, BridgeConfig{})
	assert.ErrorIs(t, err, ErrNilStream)

	_, err = NewBridge(newFakeStream(), nil, BridgeConfig{})
	assert.ErrorIs(t, err, ErrNilStore)

	b, err := NewBridge(newFakeStream(), store, BridgeConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultTradeWindow, b.cfg.TradeWindow)
}

func TestBridge_StartStop(t *testing.T) {
	stream := newFakeStream()
	b, err := NewBridge(stream, newTestStore(t, clock.NewMock(epoch)), BridgeConfig{})
	require.NoError(t, err)

	subs := mustParse(t, "allMids", "trades:BTC")
	require.NoError(t, b.Start(subs))
	assert.ErrorIs(t, b.Start(subs), ErrBridgeStarted)
	assert.Equal(t, subs, stream.subs)
	assert.Len(t, stream.handlers, 1)

	b.Stop()
	assert.Empty(t, stream.handlers)
	assert.Equal(t, subs, stream.unsubs)
}

func TestBridge_StartSubscribeError(t *testing.T) {
	stream := newFakeStream()
	stream.subErr = errors.New("boom")
	b, err := NewBridge(stream, newTestStore(t, clock.NewMock(epoch)), BridgeConfig{})
	require.NoError(t, err)

	err = b.Start(mustParse(t, "allMids"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscribe allMids")
}

func TestBridge_Mids(t *testing.T) {
	stream := newFakeStream()
	store := newTestStore(t, clock.NewMock(epoch))
	mids := buffer.New[model.MidSample](8, 0)
	b, err := NewBridge(stream, store, BridgeConfig{TTL: 10 * time.Second}, WithMidQueue(mids))
	require.NoError(t, err)
	require.NoError(t, b.Start(mustParse(t, "allMids")))

	stream.deliver(ChannelAllMids, `{"mids":{"BTC":"43250.5","ETH":"2301.2"}}`)

	v, ok := store.Get(MidsKey)
	require.True(t, ok)
	assert.Equal(t, model.Mids{"BTC": "43250.5", "ETH": "2301.2"}, v)

	info, ok := store.Info(MidsKey)
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, info.TTL)
	assert.Equal(t, []string{TagMarket}, info.Tags)

	samples := mids.DrainTo(0)
	require.Len(t, samples, 2)
	for _, s := range samples {
		assert.Equal(t, epoch, s.ReceivedAt)
	}
	assert.Equal(t, int64(1), b.Stats().Applied)
}

func TestBridge_TradesWindow(t *testing.T) {
	stream := newFakeStream()
	store := newTestStore(t, clock.NewMock(epoch))
	queue := buffer.New[model.ReceivedTrade](8, 0)
	b, err := NewBridge(stream, store, BridgeConfig{TradeWindow: 3}, WithTradeQueue(queue))
	require.NoError(t, err)
	require.NoError(t, b.Start(mustParse(t, "trades:BTC", "trades:ETH")))

	stream.deliver(ChannelTrades, `[
		{"coin":"BTC","side":"B","px":"100","sz":"1","time":1,"hash":"h1","tid":1},
		{"coin":"ETH","side":"A","px":"10","sz":"2","time":1,"hash":"h2","tid":2},
		{"coin":"BTC","side":"A","px":"101","sz":"1","time":2,"hash":"h3","tid":3}
	]`)
	stream.deliver(ChannelTrades, `[
		{"coin":"BTC","side":"B","px":"102","sz":"1","time":3,"hash":"h4","tid":4},
		{"coin":"BTC","side":"B","px":"103","sz":"1","time":4,"hash":"h5","tid":5}
	]`)

	v, ok := store.Get(TradesKey("BTC"))
	require.True(t, ok)
	btc := v.([]model.Trade)
	require.Len(t, btc, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{btc[0].TID, btc[1].TID, btc[2].TID})

	v, ok = store.Get(TradesKey("ETH"))
	require.True(t, ok)
	assert.Len(t, v.([]model.Trade), 1)

	info, ok := store.Info(TradesKey("BTC"))
	require.True(t, ok)
	assert.ElementsMatch(t, []string{TagTrades, CoinTag("BTC")}, info.Tags)

	received := queue.DrainTo(0)
	require.Len(t, received, 5)
	assert.Equal(t, "session-1", received[0].SessionID)
	assert.Equal(t, int64(1), received[0].TID)

	assert.Equal(t, 1, store.InvalidateByTag(CoinTag("ETH")))
}

func TestBridge_TradesSkipDuplicates(t *testing.T) {
	stream := newFakeStream()
	clk := clock.NewMock(epoch)
	store := newTestStore(t, clk)
	queue := buffer.New[model.ReceivedTrade](8, 0)
	b, err := NewBridge(stream, store, BridgeConfig{}, WithTradeQueue(queue))
	require.NoError(t, err)
	require.NoError(t, b.Start(mustParse(t, "trades:BTC")))

	frame := `[{"coin":"BTC","side":"B","px":"100","sz":"1","time":1,"hash":"h1","tid":1}]`
	stream.deliver(ChannelTrades, frame)
	clk.Advance(5 * time.Second)
	stream.deliver(ChannelTrades, frame)

	info, ok := store.Info(TradesKey("BTC"))
	require.True(t, ok)
	assert.Equal(t, epoch, info.CreatedAt, "a replayed snapshot must not refresh the entry")
	assert.Equal(t, 1, queue.Len())
}

func TestBridge_Book(t *testing.T) {
	stream := newFakeStream()
	store := newTestStore(t, clock.NewMock(epoch))
	b, err := NewBridge(stream, store, BridgeConfig{})
	require.NoError(t, err)
	require.NoError(t, b.Start(mustParse(t, "l2Book:BTC")))

	stream.deliver(ChannelL2Book, `{"coin":"BTC","time":1705320000000,"levels":[[{"px":"100","sz":"1","n":2}],[{"px":"101","sz":"3","n":1}]]}`)

	v, ok := store.Get(BookKey("BTC"))
	require.True(t, ok)
	book := v.(model.L2Book)
	assert.Equal(t, "100", book.Bids()[0].Px)
	assert.Equal(t, "101", book.Asks()[0].Px)

	stream.deliver(ChannelL2Book, `{"time":1,"levels":[[],[]]}`)
	assert.Equal(t, int64(1), b.Stats().DecodeErrors)
}

func TestBridge_Account(t *testing.T) {
	stream := newFakeStream()
	store := newTestStore(t, clock.NewMock(epoch))
	b, err := NewBridge(stream, store, BridgeConfig{})
	require.NoError(t, err)
	require.NoError(t, b.Start(mustParse(t, "webData2:0xabc", "userFills:0xabc")))

	stream.deliver("webData2", `{"user":"0xabc","clearinghouseState":{"withdrawable":"10"}}`)
	stream.deliver("userFills", `[{"coin":"BTC","px":"100"}]`)

	v, ok := store.Get(AccountKey("webData2", "0xabc"))
	require.True(t, ok)
	update := v.(model.AccountUpdate)
	assert.Equal(t, "0xabc", update.User)
	assert.Equal(t, "webData2", update.Channel)
	assert.JSONEq(t, `{"user":"0xabc","clearinghouseState":{"withdrawable":"10"}}`, string(update.Raw))

	_, ok = store.Get("account:0xabc")
	assert.True(t, ok)
	_, ok = store.Get("userFills:0xabc")
	assert.True(t, ok)

	assert.Equal(t, 2, store.InvalidateByTag(UserTag("0xabc")))
}

func TestBridge_AccountWithoutUser(t *testing.T) {
	stream := newFakeStream()
	store := newTestStore(t, clock.NewMock(epoch))
	b, err := NewBridge(stream, store, BridgeConfig{})
	require.NoError(t, err)
	require.NoError(t, b.Start(nil))

	stream.deliver("userEvents", `{"fills":[]}`)
	assert.Equal(t, int64(1), b.Stats().DecodeErrors)
	assert.Equal(t, 0, store.Len())

	stream.deliver("userEvents", `{"user":42}`)
	assert.Equal(t, int64(2), b.Stats().DecodeErrors)
	assert.Equal(t, 0, store.Len())
}

func TestBridge_AccountArrayUsesSubscribedUser(t *testing.T) {
	stream := newFakeStream()
	store := newTestStore(t, clock.NewMock(epoch))
	b, err := NewBridge(stream, store, BridgeConfig{})
	require.NoError(t, err)
	require.NoError(t, b.Start(mustParse(t, "userFills:0xabc")))

	stream.deliver("userFills", ` [{"coin":"BTC","px":"100","user":"0xdef"}]`)

	_, ok := store.Get(AccountKey("userFills", "0xabc"))
	assert.True(t, ok)
	assert.Equal(t, int64(0), b.Stats().DecodeErrors)
}

func TestBridge_IgnoresAndDrops(t *testing.T) {
	stream := newFakeStream()
	store := newTestStore(t, clock.NewMock(epoch))
	b, err := NewBridge(stream, store, BridgeConfig{})
	require.NoError(t, err)
	require.NoError(t, b.Start(nil))

	stream.deliver("candle", `{"s":"BTC"}`)
	stream.deliver(connection.ChannelSubscriptionResponse, `{"method":"subscribe"}`)
	stream.deliver(ChannelAllMids, `{"mids":`)
	stream.deliver(ChannelTrades, `[{"px":"1"}]`)

	assert.Equal(t, BridgeStats{Applied: 0, Ignored: 1, DecodeErrors: 2}, b.Stats())
	assert.Equal(t, 0, store.Len())
}

// wsClient is an in-memory connection.Client.
type wsClient struct {
	mu       sync.Mutex
	sent     []connection.Command
	closed   bool
	messages chan connection.TimestampedMessage
	errs     chan error
}

func newWSClient() *wsClient {
	return &wsClient{
		messages: make(chan connection.TimestampedMessage, 16),
		errs:     make(chan error, 1),
	}
}

func (c *wsClient) Connect(ctx context.Context) error { return nil }

func (c *wsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *wsClient) Send(data []byte) error {
	var cmd connection.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, cmd)
	return nil
}

func (c *wsClient) Messages() <-chan connection.TimestampedMessage {
	return c.messages
}

func (c *wsClient) Errors() <-chan error {
	return c.errs
}

func (c *wsClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *wsClient) subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, cmd := range c.sent {
		if cmd.Method == connection.MethodSubscribe && cmd.Subscription != nil {
			out = append(out, cmd.Subscription.String())
		}
	}
	return out
}

func TestBridge_EntriesKeepTTLAcrossReconnect(t *testing.T) {
	clk := clock.NewMock(epoch)
	store := newTestStore(t, clk)

	first, second := newWSClient(), newWSClient()
	clients := []*wsClient{first, second}
	var dials int
	var dialMu sync.Mutex
	dial := func(ctx context.Context) (connection.Client, error) {
		dialMu.Lock()
		defer dialMu.Unlock()
		if dials >= len(clients) {
			return nil, errors.New("no more clients")
		}
		c := clients[dials]
		dials++
		return c, nil
	}

	mgr, err := connection.NewManager(connection.ManagerConfig{
		ConnectTimeout:       time.Second,
		HeartbeatInterval:    time.Hour,
		MaxReconnectAttempts: 3,
		Backoff:              retry.Backoff{Base: time.Second, Max: 10 * time.Second, Multiplier: 2},
	}, dial, connection.WithClock(clk))
	require.NoError(t, err)
	defer mgr.Close()

	b, err := NewBridge(mgr, store, BridgeConfig{TTL: 10 * time.Second})
	require.NoError(t, err)
	require.NoError(t, b.Start(mustParse(t, "trades:BTC")))
	require.NoError(t, mgr.Connect(context.Background()))

	snapshot := `{"channel":"trades","data":[{"coin":"BTC","side":"B","px":"100","sz":"1","time":1,"hash":"h1","tid":1}]}`
	first.messages <- connection.TimestampedMessage{Data: []byte(snapshot), ReceivedAt: clk.Now()}
	require.Eventually(t, func() bool {
		_, ok := store.Peek(TradesKey("BTC"))
		return ok
	}, time.Second, time.Millisecond)

	clk.Advance(6 * time.Second)
	first.errs <- errors.New("connection reset")
	require.Eventually(t, func() bool {
		return mgr.State() == connection.StateReconnecting
	}, time.Second, time.Millisecond)

	clk.Advance(time.Second)
	require.Eventually(t, func() bool {
		return mgr.State() == connection.StateConnected
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"trades:BTC"}, second.subscribed())

	// The venue replays the same snapshot after resubscribing.
	second.messages <- connection.TimestampedMessage{Data: []byte(snapshot), ReceivedAt: clk.Now()}
	require.Eventually(t, func() bool {
		return b.Stats().Applied == 2
	}, time.Second, time.Millisecond)

	info, ok := store.Info(TradesKey("BTC"))
	require.True(t, ok)
	assert.Equal(t, epoch, info.CreatedAt)

	clk.Advance(3*time.Second + time.Millisecond)
	_, ok = store.Get(TradesKey("BTC"))
	assert.False(t, ok, "entry must expire 10s after it was first written")
}
