package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/exchange/internal/exchange/domain"
	"github.com/wyfcoding/exchange/pkg/config"
	"github.com/wyfcoding/exchange/pkg/metrics"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeOrderRepo struct {
	open map[string][]*domain.Order
	byID map[string]*domain.Order
}

func (f *fakeOrderRepo) ListOpen(_ context.Context, symbol string) ([]*domain.Order, error) {
	return f.open[symbol], nil
}

func (f *fakeOrderRepo) Get(_ context.Context, orderID string) (*domain.Order, error) {
	return f.byID[orderID], nil
}

type fakeKlineRepo struct {
	latest map[string]*domain.Kline // interval -> kline
	daily  *domain.Kline
}

func (f *fakeKlineRepo) Latest(_ context.Context, _, interval string) (*domain.Kline, error) {
	return f.latest[interval], nil
}

func (f *fakeKlineRepo) DailyBefore(_ context.Context, _ string, _ time.Time) (*domain.Kline, error) {
	return f.daily, nil
}

func (f *fakeKlineRepo) Range(_ context.Context, _, _ string, _, _ time.Time, _ int) ([]*domain.Kline, error) {
	return nil, nil
}

type fakeWriter struct {
	saved    []*domain.Order
	batches  []*domain.RoundBatch
	failN    int
	saveHook func(*domain.Order)
}

func (f *fakeWriter) SaveOrder(_ context.Context, o *domain.Order) error {
	if f.saveHook != nil {
		f.saveHook(o)
	}
	f.saved = append(f.saved, o.Clone())
	return nil
}

func (f *fakeWriter) WriteRound(_ context.Context, b *domain.RoundBatch) error {
	if f.failN > 0 {
		f.failN--
		return errors.New("database unavailable")
	}
	f.batches = append(f.batches, b)
	return nil
}

type fakeCaster struct {
	trades  []*domain.TradeEvent
	orders  []*domain.OrderEvent
	depths  []*domain.LevelChange
	klines  []*domain.Kline
	tickers []*domain.Ticker
}

func (f *fakeCaster) BroadcastTrade(_ context.Context, t *domain.TradeEvent) error {
	f.trades = append(f.trades, t)
	return nil
}

func (f *fakeCaster) BroadcastOrder(_ context.Context, o *domain.OrderEvent) error {
	f.orders = append(f.orders, o)
	return nil
}

func (f *fakeCaster) BroadcastDepth(_ context.Context, c *domain.LevelChange) error {
	f.depths = append(f.depths, c)
	return nil
}

func (f *fakeCaster) BroadcastKline(_ context.Context, k *domain.Kline) error {
	f.klines = append(f.klines, k)
	return nil
}

func (f *fakeCaster) BroadcastTicker(_ context.Context, t *domain.Ticker) error {
	f.tickers = append(f.tickers, t)
	return nil
}

type fakeWallet struct {
	credits map[string]decimal.Decimal // reference -> amount
	byCcy   map[string]decimal.Decimal // user:currency -> total
	failAll bool
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{
		credits: make(map[string]decimal.Decimal),
		byCcy:   make(map[string]decimal.Decimal),
	}
}

func (f *fakeWallet) Credit(_ context.Context, userID, currency string, amount decimal.Decimal, reference string) error {
	if f.failAll {
		return errors.New("wallet unavailable")
	}
	if _, dup := f.credits[reference]; dup {
		return nil
	}
	f.credits[reference] = amount
	k := userID + ":" + currency
	f.byCcy[k] = f.byCcy[k].Add(amount)
	return nil
}

type testEnv struct {
	engine *Engine
	writer *fakeWriter
	caster *fakeCaster
	wallet *fakeWallet
}

func testMarket() *domain.Market {
	return &domain.Market{
		Symbol:       "BTC/USDT",
		Base:         "BTC",
		Quote:        "USDT",
		MakerFeeRate: d("0.1"),
		TakerFeeRate: d("0.2"),
		Status:       domain.MarketStatusActive,
	}
}

func newTestEnv(t *testing.T, orders *fakeOrderRepo, klines *fakeKlineRepo) *testEnv {
	t.Helper()
	if orders == nil {
		orders = &fakeOrderRepo{open: map[string][]*domain.Order{}, byID: map[string]*domain.Order{}}
	}
	if klines == nil {
		klines = &fakeKlineRepo{latest: map[string]*domain.Kline{}}
	}
	writer := &fakeWriter{}
	caster := &fakeCaster{}
	wallet := newFakeWallet()

	cfg := config.EngineConfig{
		KlineIntervals: []string{"1m", domain.IntervalDay},
		TickInterval:   50,
		QueueCapacity:  100,
	}
	engine, err := NewEngine(context.Background(), cfg,
		domain.NewRegistry([]*domain.Market{testMarket()}),
		orders, klines, writer, caster, NewSettler(wallet), metrics.New("test"))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &testEnv{engine: engine, writer: writer, caster: caster, wallet: wallet}
}

func submitOrder(t *testing.T, e *Engine, id string, side domain.OrderSide, typ domain.OrderType, price, amount string, offset time.Duration) *domain.Order {
	t.Helper()
	p := decimal.RequireFromString(price)
	a := decimal.RequireFromString(amount)
	o := &domain.Order{
		OrderID:   id,
		UserID:    "u-" + id,
		Symbol:    "BTC/USDT",
		Side:      side,
		Type:      typ,
		Price:     p,
		Amount:    a,
		Remaining: a,
		Status:    domain.StatusOpen,
		CreatedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC).Add(offset),
	}
	if err := e.SubmitOrder(context.Background(), o); err != nil {
		t.Fatalf("submit %s: %v", id, err)
	}
	return o
}

func TestEngineRoundMatchesAndSettles(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	e := env.engine

	submitOrder(t, e, "b1", domain.SideBuy, domain.TypeLimit, "100", "2", 0)
	submitOrder(t, e, "s1", domain.SideSell, domain.TypeLimit, "100", "2", time.Second)

	e.runRound(context.Background(), "BTC/USDT")

	if len(env.writer.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(env.writer.batches))
	}
	batch := env.writer.batches[0]
	if len(batch.Orders) != 2 {
		t.Errorf("batch orders = %d, want 2", len(batch.Orders))
	}
	for _, o := range batch.Orders {
		if o.Status != domain.StatusClosed {
			t.Errorf("order %s not closed in batch", o.OrderID)
		}
	}

	// 卖方后到是 taker：买方得 2 BTC 减 0.1% maker 费，卖方得 200 USDT 减 0.2% taker 费
	if got := env.wallet.byCcy["u-b1:BTC"]; !got.Equal(d("1.998")) {
		t.Errorf("buyer credit = %s, want 1.998", got)
	}
	if got := env.wallet.byCcy["u-s1:USDT"]; !got.Equal(d("199.6")) {
		t.Errorf("seller credit = %s, want 199.6", got)
	}

	// 已关闭订单出队，深度清空
	snap, _ := e.GetDepth("BTC/USDT", 0)
	if len(snap.Bids) != 0 || len(snap.Asks) != 0 {
		t.Errorf("depth not empty after full fill: %d bids %d asks", len(snap.Bids), len(snap.Asks))
	}
	if len(env.caster.trades) != 1 {
		t.Errorf("trade broadcasts = %d, want 1", len(env.caster.trades))
	}
	if len(env.caster.orders) != 2 {
		t.Errorf("order broadcasts = %d, want 2", len(env.caster.orders))
	}
	if len(env.caster.tickers) != 1 || !env.caster.tickers[0].Last.Equal(d("100")) {
		t.Errorf("ticker broadcast missing or wrong: %+v", env.caster.tickers)
	}

	tk, err := e.GetTicker("BTC/USDT")
	if err != nil || tk == nil {
		t.Fatalf("ticker = %v, %v", tk, err)
	}
	if !tk.Last.Equal(d("100")) || !tk.Volume.Equal(d("2")) {
		t.Errorf("ticker last=%s volume=%s", tk.Last, tk.Volume)
	}
}

func TestEnginePartialFillKeepsRemainderQueued(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	e := env.engine

	buy := submitOrder(t, e, "b1", domain.SideBuy, domain.TypeLimit, "100", "5", 0)
	submitOrder(t, e, "s1", domain.SideSell, domain.TypeLimit, "100", "2", time.Second)

	e.runRound(context.Background(), "BTC/USDT")

	got, err := e.GetOrder(context.Background(), "BTC/USDT", buy.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.StatusOpen || !got.Remaining.Equal(d("3")) {
		t.Errorf("remainder status=%s remaining=%s, want OPEN/3", got.Status, got.Remaining)
	}
	snap, _ := e.GetDepth("BTC/USDT", 0)
	if len(snap.Bids) != 1 || !snap.Bids[0].Quantity.Equal(d("3")) {
		t.Errorf("bid level = %+v, want single level qty 3", snap.Bids)
	}

	// 放弃批次不会发生：第二轮无新对手盘时队列保持不变
	e.runRound(context.Background(), "BTC/USDT")
	if len(env.writer.batches) != 1 {
		t.Errorf("idle round must not write a batch")
	}
}

func TestEngineBatchFailurePrunesQueueByDefault(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	e := env.engine
	env.writer.failN = 1

	submitOrder(t, e, "b1", domain.SideBuy, domain.TypeLimit, "100", "1", 0)
	submitOrder(t, e, "s1", domain.SideSell, domain.TypeLimit, "100", "1", time.Second)

	e.runRound(context.Background(), "BTC/USDT")

	// 默认模式：批次失败仍然出队并结算
	e.mu.Lock()
	queued := len(e.queues["BTC/USDT"])
	e.mu.Unlock()
	if queued != 0 {
		t.Errorf("queue = %d orders, want 0 (pruned despite batch failure)", queued)
	}
	if len(env.wallet.credits) != 2 {
		t.Errorf("credits = %d, want 2", len(env.wallet.credits))
	}
}

func TestEngineStrictConsistencyKeepsQueueOnBatchFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	e := env.engine
	e.cfg.StrictConsistency = true
	env.writer.failN = 1

	submitOrder(t, e, "b1", domain.SideBuy, domain.TypeLimit, "100", "1", 0)
	submitOrder(t, e, "s1", domain.SideSell, domain.TypeLimit, "100", "1", time.Second)

	e.runRound(context.Background(), "BTC/USDT")

	e.mu.Lock()
	queued := len(e.queues["BTC/USDT"])
	e.mu.Unlock()
	if queued != 2 {
		t.Errorf("queue = %d orders, want 2 (kept for retry)", queued)
	}
	if len(env.wallet.credits) != 0 {
		t.Errorf("strict mode must not settle a failed batch")
	}

	// 重试成功后恢复正常
	e.runRound(context.Background(), "BTC/USDT")
	if len(env.writer.batches) != 1 {
		t.Errorf("retry round did not persist")
	}
	if len(env.wallet.credits) != 2 {
		t.Errorf("retry round did not settle")
	}
}

func TestEngineLockConflictAbandonsRound(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	e := env.engine

	buy := submitOrder(t, e, "b1", domain.SideBuy, domain.TypeLimit, "100", "1", 0)
	submitOrder(t, e, "s1", domain.SideSell, domain.TypeLimit, "100", "1", time.Second)

	e.lockMu.Lock()
	e.lockedIDs[buy.OrderID] = true
	e.lockMu.Unlock()

	e.runRound(context.Background(), "BTC/USDT")

	if len(env.writer.batches) != 0 {
		t.Fatalf("locked round must not persist")
	}
	e.mu.Lock()
	queued := len(e.queues["BTC/USDT"])
	remaining := e.queues["BTC/USDT"][0].Remaining
	e.mu.Unlock()
	if queued != 2 {
		t.Errorf("queue = %d, want 2 (batch abandoned intact)", queued)
	}
	if !remaining.Equal(d("1")) {
		t.Errorf("abandoned round leaked fills into queue: remaining = %s", remaining)
	}

	// 解锁后下一轮正常成交
	e.lockMu.Lock()
	delete(e.lockedIDs, buy.OrderID)
	e.lockMu.Unlock()
	e.runRound(context.Background(), "BTC/USDT")
	if len(env.writer.batches) != 1 {
		t.Errorf("retry after unlock did not settle")
	}
}

func TestEngineCancelRestoresDepth(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	e := env.engine

	order := submitOrder(t, e, "b1", domain.SideBuy, domain.TypeLimit, "100", "2", 0)

	snap, _ := e.GetDepth("BTC/USDT", 0)
	if len(snap.Bids) != 1 {
		t.Fatalf("depth missing after submit")
	}
	if err := e.CancelOrder(context.Background(), "BTC/USDT", order.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	snap, _ = e.GetDepth("BTC/USDT", 0)
	if len(snap.Bids) != 0 {
		t.Errorf("depth not restored after cancel")
	}
	if err := e.CancelOrder(context.Background(), "BTC/USDT", order.OrderID); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("second cancel = %v, want ErrOrderNotFound", err)
	}
	last := env.writer.saved[len(env.writer.saved)-1]
	if last.OrderID != order.OrderID || last.Status != domain.StatusClosed {
		t.Errorf("cancellation not persisted: %+v", last)
	}
}

func TestEngineCancelLockedOrder(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	e := env.engine

	order := submitOrder(t, e, "b1", domain.SideBuy, domain.TypeLimit, "100", "1", 0)
	e.lockMu.Lock()
	e.lockedIDs[order.OrderID] = true
	e.lockMu.Unlock()

	if err := e.CancelOrder(context.Background(), "BTC/USDT", order.OrderID); !errors.Is(err, domain.ErrOrderLocked) {
		t.Errorf("cancel locked = %v, want ErrOrderLocked", err)
	}
}

func TestEngineCancelHoldsOrderLockUntilPersisted(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	e := env.engine

	sell := submitOrder(t, e, "s1", domain.SideSell, domain.TypeLimit, "100", "1", 0)

	entered := make(chan struct{})
	release := make(chan struct{})
	env.writer.saveHook = func(o *domain.Order) {
		if o.OrderID == sell.OrderID && o.Status == domain.StatusClosed {
			close(entered)
			<-release
		}
	}
	done := make(chan error, 1)
	go func() {
		done <- e.CancelOrder(context.Background(), "BTC/USDT", sell.OrderID)
	}()
	<-entered

	// 撤单落库期间订单锁必须被占用，撮合轮对该订单整批回退
	e.lockMu.Lock()
	locked := e.lockedIDs[sell.OrderID]
	e.lockMu.Unlock()
	if !locked {
		t.Error("cancel must hold the order lock while persisting")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("cancel: %v", err)
	}
	e.lockMu.Lock()
	locked = e.lockedIDs[sell.OrderID]
	e.lockMu.Unlock()
	if locked {
		t.Error("order lock not released after cancel")
	}
}

func TestEngineCancelSignalsSymbolWorker(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	e := env.engine

	order := submitOrder(t, e, "b1", domain.SideBuy, domain.TypeLimit, "100", "1", 0)
	select {
	case <-e.signals["BTC/USDT"]:
	default:
	}

	if err := e.CancelOrder(context.Background(), "BTC/USDT", order.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case <-e.signals["BTC/USDT"]:
	default:
		t.Error("cancel did not signal the symbol worker")
	}
}

func TestEngineCancelRacingRoundNeverDoubleApplies(t *testing.T) {
	for i := 0; i < 200; i++ {
		env := newTestEnv(t, nil, nil)
		e := env.engine

		submitOrder(t, e, "b1", domain.SideBuy, domain.TypeLimit, "100", "1", 0)
		sell := submitOrder(t, e, "s1", domain.SideSell, domain.TypeLimit, "100", "1", time.Second)

		done := make(chan error, 1)
		go func() {
			done <- e.CancelOrder(context.Background(), "BTC/USDT", sell.OrderID)
		}()
		e.runRound(context.Background(), "BTC/USDT")
		err := <-done

		switch {
		case err == nil:
			// 撤单胜出：哪怕撤单落在队列快照与加锁之间，
			// 这一轮也必须整批放弃，订单不得成交或入账
			if len(env.writer.batches) != 0 {
				t.Fatalf("iter %d: cancelled order still matched: %+v", i, env.writer.batches[0].Orders)
			}
			if len(env.wallet.credits) != 0 {
				t.Fatalf("iter %d: cancelled order settled: %v", i, env.wallet.credits)
			}
		case errors.Is(err, domain.ErrOrderLocked):
			// 撮合轮胜出并持锁：本轮完整落库与结算
			if len(env.writer.batches) != 1 || len(env.wallet.credits) != 2 {
				t.Fatalf("iter %d: locked cancel but round incomplete: batches=%d credits=%d",
					i, len(env.writer.batches), len(env.wallet.credits))
			}
		case errors.Is(err, domain.ErrOrderNotFound):
			// 撮合先完成，订单已成交出队
			if len(env.writer.batches) != 1 {
				t.Fatalf("iter %d: order gone but round did not persist", i)
			}
		default:
			t.Fatalf("iter %d: cancel = %v", i, err)
		}
	}
}

func TestEngineWalletFailureStillAppliesFills(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	e := env.engine
	env.wallet.failAll = true

	submitOrder(t, e, "b1", domain.SideBuy, domain.TypeLimit, "100", "1", 0)
	submitOrder(t, e, "s1", domain.SideSell, domain.TypeLimit, "100", "1", time.Second)

	e.runRound(context.Background(), "BTC/USDT")

	// 钱包不可用时订单变更、出队与深度扣减仍然生效，只有入账缺失
	if len(env.writer.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(env.writer.batches))
	}
	for _, o := range env.writer.batches[0].Orders {
		if o.Status != domain.StatusClosed {
			t.Errorf("order %s not closed despite wallet failure", o.OrderID)
		}
	}
	e.mu.Lock()
	queued := len(e.queues["BTC/USDT"])
	e.mu.Unlock()
	if queued != 0 {
		t.Errorf("queue = %d, want 0 (pruned despite wallet failure)", queued)
	}
	snap, _ := e.GetDepth("BTC/USDT", 0)
	if len(snap.Bids) != 0 || len(snap.Asks) != 0 {
		t.Errorf("depth not reduced despite wallet failure")
	}
	if len(env.wallet.credits) != 0 {
		t.Errorf("credits = %d, want 0", len(env.wallet.credits))
	}
}

func TestEngineRejectsInvalidAndUnknown(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	e := env.engine
	ctx := context.Background()

	bad := &domain.Order{OrderID: "x", UserID: "u", Symbol: "BTC/USDT"}
	if err := e.SubmitOrder(ctx, bad); !errors.Is(err, domain.ErrInvalidOrder) {
		t.Errorf("invalid order error = %v", err)
	}

	a := d("1")
	unknown := &domain.Order{
		OrderID: "y", UserID: "u", Symbol: "DOGE/USDT",
		Side: domain.SideBuy, Type: domain.TypeLimit,
		Price: d("1"), Amount: a, Remaining: a,
		Status: domain.StatusOpen, CreatedAt: time.Now(),
	}
	if err := e.SubmitOrder(ctx, unknown); !errors.Is(err, domain.ErrUnknownSymbol) {
		t.Errorf("unknown symbol error = %v", err)
	}
	if len(env.writer.saved) != 0 {
		t.Errorf("rejected orders must not persist")
	}
}

func TestEngineQueueCapacity(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	e := env.engine
	e.cfg.QueueCapacity = 1

	submitOrder(t, e, "b1", domain.SideBuy, domain.TypeLimit, "100", "1", 0)
	a := d("1")
	over := &domain.Order{
		OrderID: "b2", UserID: "u", Symbol: "BTC/USDT",
		Side: domain.SideBuy, Type: domain.TypeLimit,
		Price: d("99"), Amount: a, Remaining: a,
		Status: domain.StatusOpen, CreatedAt: time.Now(),
	}
	if err := e.SubmitOrder(context.Background(), over); !errors.Is(err, domain.ErrQueueFull) {
		t.Errorf("overflow error = %v, want ErrQueueFull", err)
	}
}

func TestEngineRecoversStateFromRepositories(t *testing.T) {
	a := d("3")
	resting := &domain.Order{
		OrderID: "open-1", UserID: "u1", Symbol: "BTC/USDT",
		Side: domain.SideBuy, Type: domain.TypeLimit,
		Price: d("95"), Amount: a, Remaining: a,
		Status: domain.StatusOpen, CreatedAt: time.Now().Add(-time.Hour),
	}
	orders := &fakeOrderRepo{
		open: map[string][]*domain.Order{"BTC/USDT": {resting}},
		byID: map[string]*domain.Order{"open-1": resting},
	}
	dayOpen := time.Now().UTC().Truncate(24 * time.Hour)
	klines := &fakeKlineRepo{
		latest: map[string]*domain.Kline{
			domain.IntervalDay: {
				Symbol: "BTC/USDT", Interval: domain.IntervalDay,
				OpenTime: dayOpen, CloseTime: dayOpen.Add(24 * time.Hour),
				Open: d("98"), High: d("101"), Low: d("97"), Close: d("99"), Volume: d("10"),
			},
		},
		daily: &domain.Kline{Close: d("98")},
	}
	env := newTestEnv(t, orders, klines)
	e := env.engine

	snap, _ := e.GetDepth("BTC/USDT", 0)
	if len(snap.Bids) != 1 || !snap.Bids[0].Quantity.Equal(d("3")) {
		t.Errorf("depth not rebuilt from open orders: %+v", snap.Bids)
	}
	tk, _ := e.GetTicker("BTC/USDT")
	if tk == nil {
		t.Fatal("ticker missing after recovery")
	}
	if !tk.Last.Equal(d("99")) || !tk.Change.Equal(d("1")) {
		t.Errorf("recovered ticker last=%s change=%s, want 99/1", tk.Last, tk.Change)
	}

	// 双市价单依赖恢复出的参考价
	submitOrder(t, e, "mb", domain.SideBuy, domain.TypeMarket, "0", "1", 0)
	submitOrder(t, e, "ms", domain.SideSell, domain.TypeMarket, "0", "1", time.Second)
	e.runRound(context.Background(), "BTC/USDT")
	if len(env.caster.trades) != 1 || !env.caster.trades[0].Price.Equal(d("99")) {
		t.Errorf("market-market trade must use recovered last price")
	}
}
