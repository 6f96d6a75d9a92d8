package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/exchange/internal/exchange/domain"
	"github.com/wyfcoding/exchange/pkg/config"
	"github.com/wyfcoding/exchange/pkg/idgen"
	"github.com/wyfcoding/exchange/pkg/logger"
	"github.com/wyfcoding/exchange/pkg/metrics"
)

// Engine 撮合结算引擎。
// 每个交易对一条 worker 协程串行执行撮合轮，轮与轮之间通过全局
// 订单锁集互斥，同一订单任一时刻最多参与一轮。
// 内存状态（队列、深度、K 线、最新价）启动时从持久层恢复，
// 稳态只做增量维护。
type Engine struct {
	cfg      config.EngineConfig
	registry *domain.Registry
	orders   domain.OrderRepository
	klines   domain.KlineRepository
	writer   domain.BatchWriter
	caster   domain.Broadcaster
	settler  *Settler
	metrics  *metrics.Metrics

	// mu 保护以下按交易对分片的内存状态
	mu             sync.Mutex
	queues         map[string][]*domain.Order
	books          map[string]*domain.Depth
	series         map[string]*domain.KlineSeries
	lastPrice      map[string]decimal.Decimal
	prevDailyClose map[string]decimal.Decimal

	// lockMu 保护全局订单锁集
	lockMu    sync.Mutex
	lockedIDs map[string]bool

	signals map[string]chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewEngine 创建引擎并从持久层恢复全部内存状态，不启动 worker
func NewEngine(
	ctx context.Context,
	cfg config.EngineConfig,
	registry *domain.Registry,
	orders domain.OrderRepository,
	klines domain.KlineRepository,
	writer domain.BatchWriter,
	caster domain.Broadcaster,
	settler *Settler,
	m *metrics.Metrics,
) (*Engine, error) {
	e := &Engine{
		cfg:            cfg,
		registry:       registry,
		orders:         orders,
		klines:         klines,
		writer:         writer,
		caster:         caster,
		settler:        settler,
		metrics:        m,
		queues:         make(map[string][]*domain.Order),
		books:          make(map[string]*domain.Depth),
		series:         make(map[string]*domain.KlineSeries),
		lastPrice:      make(map[string]decimal.Decimal),
		prevDailyClose: make(map[string]decimal.Decimal),
		lockedIDs:      make(map[string]bool),
		signals:        make(map[string]chan struct{}),
		stop:           make(chan struct{}),
	}

	for _, symbol := range registry.Symbols() {
		if err := e.recoverSymbol(ctx, symbol); err != nil {
			return nil, fmt.Errorf("failed to recover %s: %w", symbol, err)
		}
		e.signals[symbol] = make(chan struct{}, 1)
	}
	return e, nil
}

// recoverSymbol 重建单交易对的队列、深度、K 线聚合器与参考价
func (e *Engine) recoverSymbol(ctx context.Context, symbol string) error {
	open, err := e.orders.ListOpen(ctx, symbol)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	book := domain.NewDepth(symbol)
	for _, o := range open {
		if o.Type == domain.TypeLimit {
			book.Add(domain.SideOf(o.Side), o.Price, o.Remaining)
		}
	}

	seed := make(map[string]*domain.Kline, len(e.cfg.KlineIntervals))
	for _, iv := range e.cfg.KlineIntervals {
		k, err := e.klines.Latest(ctx, symbol, iv)
		if err != nil {
			return fmt.Errorf("load latest kline %s: %w", iv, err)
		}
		if k != nil {
			seed[iv] = k
		}
	}
	if k := seed[domain.IntervalDay]; k != nil {
		e.lastPrice[symbol] = k.Close
		prev, err := e.klines.DailyBefore(ctx, symbol, k.OpenTime)
		if err != nil {
			return fmt.Errorf("load previous daily kline: %w", err)
		}
		if prev != nil {
			e.prevDailyClose[symbol] = prev.Close
		}
	}

	e.queues[symbol] = open
	e.books[symbol] = book
	e.series[symbol] = domain.NewKlineSeries(symbol, e.cfg.KlineIntervals, seed)

	logger.Info(ctx, "Symbol state recovered",
		"symbol", symbol, "open_orders", len(open), "seeded_intervals", len(seed))
	return nil
}

// Start 启动每个交易对的 worker 与重试节拍器
func (e *Engine) Start() {
	for _, symbol := range e.registry.Symbols() {
		e.wg.Add(1)
		go e.worker(symbol)
	}
	e.wg.Add(1)
	go e.tickLoop()
	logger.Info(context.Background(), "Matching engine started",
		"symbols", len(e.registry.Symbols()))
}

// Stop 停止全部 worker 并等待退出
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
	logger.Info(context.Background(), "Matching engine stopped")
}

func (e *Engine) worker(symbol string) {
	defer e.wg.Done()
	signal := e.signals[symbol]
	for {
		select {
		case <-e.stop:
			return
		case <-signal:
			e.safeRound(symbol)
		}
	}
}

// safeRound 吞掉单轮 panic，一个交易对的故障不影响其他 worker
func (e *Engine) safeRound(symbol string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(context.Background(), "Matching round panicked",
				"symbol", symbol, "panic", r)
		}
	}()
	e.runRound(context.Background(), symbol)
}

// tickLoop 周期性唤醒队列非空的交易对，兜底锁冲突与双市价单的重试
func (e *Engine) tickLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Duration(e.cfg.TickInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			pending := make([]string, 0)
			for symbol, q := range e.queues {
				if len(q) > 0 {
					pending = append(pending, symbol)
				}
			}
			e.mu.Unlock()
			for _, symbol := range pending {
				e.signal(symbol)
			}
		}
	}
}

func (e *Engine) signal(symbol string) {
	select {
	case e.signals[symbol] <- struct{}{}:
	default:
	}
}

// SubmitOrder 接收订单：校验、落库、入队并乐观挂入深度。
// 返回后订单已持久化，撮合异步发生。
func (e *Engine) SubmitOrder(ctx context.Context, order *domain.Order) error {
	if err := order.Validate(); err != nil {
		e.metrics.OrdersRejected.Inc()
		return err
	}
	market, ok := e.registry.Get(order.Symbol)
	if !ok || market.Status != domain.MarketStatusActive {
		e.metrics.OrdersRejected.Inc()
		return fmt.Errorf("%w: %s", domain.ErrUnknownSymbol, order.Symbol)
	}

	e.mu.Lock()
	if e.cfg.QueueCapacity > 0 && len(e.queues[order.Symbol]) >= e.cfg.QueueCapacity {
		e.mu.Unlock()
		e.metrics.OrdersRejected.Inc()
		return fmt.Errorf("%w: %s", domain.ErrQueueFull, order.Symbol)
	}
	e.mu.Unlock()

	if err := e.writer.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to persist order: %w", err)
	}

	e.mu.Lock()
	e.queues[order.Symbol] = append(e.queues[order.Symbol], order)
	if order.Type == domain.TypeLimit {
		e.books[order.Symbol].Add(domain.SideOf(order.Side), order.Price, order.Remaining)
	}
	queued := e.queuedTotalLocked()
	e.mu.Unlock()

	e.metrics.OrdersSubmitted.Inc()
	e.metrics.QueuedOrders.Set(float64(queued))
	logger.Info(ctx, "Order accepted",
		"order_id", order.OrderID, "symbol", order.Symbol,
		"side", order.Side, "type", order.Type,
		"price", order.Price, "amount", order.Amount)
	e.signal(order.Symbol)
	return nil
}

// CancelOrder 取消排队中的订单。
// 正在撮合轮内的订单返回 ErrOrderLocked，调用方可稍后重试。
// 撤单全程持有该订单的锁，与撮合轮的批量加锁互斥。
func (e *Engine) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if !e.lockOrder(orderID) {
		return domain.ErrOrderLocked
	}
	defer e.unlockOrder(orderID)

	e.mu.Lock()
	queue := e.queues[symbol]
	idx := -1
	for i, o := range queue {
		if o.OrderID == orderID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return domain.ErrOrderNotFound
	}
	order := queue[idx]
	e.queues[symbol] = append(queue[:idx], queue[idx+1:]...)
	if order.Type == domain.TypeLimit {
		e.books[symbol].Reduce(domain.SideOf(order.Side), order.Price, order.Remaining)
	}
	order.Status = domain.StatusClosed
	order.UpdatedAt = time.Now()
	e.mu.Unlock()

	if err := e.writer.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to persist cancellation: %w", err)
	}
	e.metrics.OrdersCancelled.Inc()
	logger.Info(ctx, "Order cancelled", "order_id", orderID, "symbol", symbol)

	if err := e.caster.BroadcastOrder(ctx, domain.OrderEventFrom(order)); err != nil {
		e.metrics.BroadcastFailures.Inc()
		logger.Warn(ctx, "Failed to broadcast cancellation", "order_id", orderID, "error", err)
	}
	e.signal(symbol)
	return nil
}

// runRound 执行一轮撮合。队列快照在深拷贝上运算，锁冲突时整批放弃，
// 队列不受污染，下一个节拍重试。
func (e *Engine) runRound(ctx context.Context, symbol string) {
	started := time.Now()
	defer func() {
		e.metrics.RoundDuration.Observe(time.Since(started).Seconds())
	}()

	e.mu.Lock()
	queue := e.queues[symbol]
	if len(queue) == 0 {
		e.mu.Unlock()
		return
	}
	clones := make([]*domain.Order, len(queue))
	for i, o := range queue {
		clones[i] = o.Clone()
	}
	last := e.lastPrice[symbol]
	e.mu.Unlock()

	res := domain.Match(clones, last, time.Now(), idgen.GenIDString)
	if len(res.Pairs) == 0 {
		return
	}

	if !e.lockOrders(res.Touched) {
		e.metrics.BatchesAbandoned.Inc()
		logger.Warn(ctx, "Round abandoned, order lock conflict", "symbol", symbol)
		return
	}
	defer e.unlockOrders(res.Touched)

	// 加锁后复核：快照与加锁之间完成的撤单已把订单移出队列并落库关闭，
	// 这批撮合结果作废，整批放弃
	if !e.allQueued(symbol, res.Touched) {
		e.metrics.BatchesAbandoned.Inc()
		logger.Warn(ctx, "Round abandoned, order cancelled during matching", "symbol", symbol)
		return
	}

	market, _ := e.registry.Get(symbol)
	entries := PrepareFees(market, res.Pairs)

	// 内存态先行：K 线与深度在落库前推进
	e.mu.Lock()
	series := e.series[symbol]
	sealedDay := decimal.Zero
	klineSet := make(map[string]*domain.Kline)
	for _, p := range res.Pairs {
		touched, sealed := series.Apply(p.Price, p.Amount, p.Time)
		for _, k := range touched {
			klineSet[k.Interval+k.OpenTime.String()] = k
		}
		for _, k := range sealed {
			klineSet[k.Interval+k.OpenTime.String()] = k
			if k.Interval == domain.IntervalDay {
				sealedDay = k.Close
			}
		}
	}
	if sealedDay.IsPositive() {
		e.prevDailyClose[symbol] = sealedDay
	}
	changes := e.books[symbol].ApplyDeltas(res.Deltas)
	e.lastPrice[symbol] = res.LastPrice
	e.mu.Unlock()

	batchKlines := make([]*domain.Kline, 0, len(klineSet))
	for _, k := range klineSet {
		batchKlines = append(batchKlines, k)
	}
	batch := &domain.RoundBatch{
		Symbol: symbol,
		Orders: res.Touched,
		Klines: batchKlines,
		Levels: changes,
	}
	if err := e.writer.WriteRound(ctx, batch); err != nil {
		e.metrics.BatchFailures.Inc()
		logger.Error(ctx, "Failed to persist round batch",
			"symbol", symbol, "orders", len(batch.Orders), "error", err)
		if e.cfg.StrictConsistency {
			// 队列保持原状，订单在下一个节拍重新撮合
			return
		}
	}

	if err := e.settler.Apply(ctx, market, entries); err != nil {
		e.metrics.SettlementFailures.Inc()
		logger.Error(ctx, "Settlement incomplete", "symbol", symbol, "error", err)
	}

	// 把撮合后的副本换回队列，已关闭的订单出队
	e.mu.Lock()
	byID := make(map[string]*domain.Order, len(res.Touched))
	for _, o := range res.Touched {
		byID[o.OrderID] = o
	}
	next := e.queues[symbol][:0]
	for _, o := range e.queues[symbol] {
		if m, ok := byID[o.OrderID]; ok {
			o = m
		}
		if o.IsOpen() {
			next = append(next, o)
		}
	}
	e.queues[symbol] = next
	queued := e.queuedTotalLocked()
	e.mu.Unlock()

	e.metrics.TradesTotal.Add(float64(len(res.Pairs)))
	e.metrics.QueuedOrders.Set(float64(queued))
	logger.Info(ctx, "Round settled",
		"symbol", symbol, "trades", len(res.Pairs),
		"orders_touched", len(res.Touched), "last_price", res.LastPrice)

	e.broadcastRound(ctx, symbol, res, changes, batchKlines)
}

// lockOrders 尝试锁住本轮涉及的全部订单，任一冲突则全部回退
func (e *Engine) lockOrders(orders []*domain.Order) bool {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	for _, o := range orders {
		if e.lockedIDs[o.OrderID] {
			return false
		}
	}
	for _, o := range orders {
		e.lockedIDs[o.OrderID] = true
	}
	return true
}

func (e *Engine) unlockOrders(orders []*domain.Order) {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	for _, o := range orders {
		delete(e.lockedIDs, o.OrderID)
	}
}

// lockOrder 占用单个订单的锁，已被占用时返回 false
func (e *Engine) lockOrder(orderID string) bool {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	if e.lockedIDs[orderID] {
		return false
	}
	e.lockedIDs[orderID] = true
	return true
}

func (e *Engine) unlockOrder(orderID string) {
	e.lockMu.Lock()
	delete(e.lockedIDs, orderID)
	e.lockMu.Unlock()
}

// allQueued 校验这些订单是否仍全部在队列中
func (e *Engine) allQueued(symbol string, orders []*domain.Order) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	present := make(map[string]bool, len(e.queues[symbol]))
	for _, o := range e.queues[symbol] {
		present[o.OrderID] = true
	}
	for _, o := range orders {
		if !present[o.OrderID] {
			return false
		}
	}
	return true
}

// broadcastRound 尽力而为地推送成交、订单、深度与 K 线消息
func (e *Engine) broadcastRound(ctx context.Context, symbol string, res *domain.MatchResult, changes []domain.LevelChange, klines []*domain.Kline) {
	for _, p := range res.Pairs {
		if err := e.caster.BroadcastTrade(ctx, domain.TradeEventFrom(symbol, p)); err != nil {
			e.metrics.BroadcastFailures.Inc()
			logger.Warn(ctx, "Failed to broadcast trade", "trade_id", p.TradeID, "error", err)
		}
	}
	for _, o := range res.Touched {
		if err := e.caster.BroadcastOrder(ctx, domain.OrderEventFrom(o)); err != nil {
			e.metrics.BroadcastFailures.Inc()
			logger.Warn(ctx, "Failed to broadcast order", "order_id", o.OrderID, "error", err)
		}
	}
	for i := range changes {
		if err := e.caster.BroadcastDepth(ctx, &changes[i]); err != nil {
			e.metrics.BroadcastFailures.Inc()
			logger.Warn(ctx, "Failed to broadcast depth change", "symbol", symbol, "error", err)
		}
	}
	for _, k := range klines {
		if err := e.caster.BroadcastKline(ctx, k); err != nil {
			e.metrics.BroadcastFailures.Inc()
			logger.Warn(ctx, "Failed to broadcast kline", "symbol", symbol, "interval", k.Interval, "error", err)
		}
	}

	e.mu.Lock()
	ticker := domain.TickerFrom(symbol, e.series[symbol].Current(domain.IntervalDay), e.prevDailyClose[symbol])
	e.mu.Unlock()
	if ticker != nil {
		if err := e.caster.BroadcastTicker(ctx, ticker); err != nil {
			e.metrics.BroadcastFailures.Inc()
			logger.Warn(ctx, "Failed to broadcast ticker", "symbol", symbol, "error", err)
		}
	}
}

func (e *Engine) queuedTotalLocked() int {
	total := 0
	for _, q := range e.queues {
		total += len(q)
	}
	return total
}

// GetOrder 查询订单：优先返回内存队列中的最新状态，否则回源持久层
func (e *Engine) GetOrder(ctx context.Context, symbol, orderID string) (*domain.Order, error) {
	e.mu.Lock()
	for _, o := range e.queues[symbol] {
		if o.OrderID == orderID {
			c := o.Clone()
			e.mu.Unlock()
			return c, nil
		}
	}
	e.mu.Unlock()

	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

// GetDepth 订单簿快照
func (e *Engine) GetDepth(symbol string, limit int) (*domain.DepthSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	book, ok := e.books[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSymbol, symbol)
	}
	return book.Snapshot(limit), nil
}

// GetKlines 历史 K 线。当前未封口桶每轮随批次落库，无需内存补齐
func (e *Engine) GetKlines(ctx context.Context, symbol, interval string, from, to time.Time, limit int) ([]*domain.Kline, error) {
	if _, ok := domain.IntervalDuration(interval); !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownInterval, interval)
	}
	if _, ok := e.registry.Get(symbol); !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSymbol, symbol)
	}
	return e.klines.Range(ctx, symbol, interval, from, to, limit)
}

// GetTicker 单交易对 24h 行情，无成交历史时返回 nil
func (e *Engine) GetTicker(symbol string) (*domain.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	series, ok := e.series[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSymbol, symbol)
	}
	return domain.TickerFrom(symbol, series.Current(domain.IntervalDay), e.prevDailyClose[symbol]), nil
}

// GetTickers 全部交易对行情，跳过尚无成交的交易对
func (e *Engine) GetTickers() []*domain.Ticker {
	symbols := e.registry.Symbols()
	out := make([]*domain.Ticker, 0, len(symbols))
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, symbol := range symbols {
		t := domain.TickerFrom(symbol, e.series[symbol].Current(domain.IntervalDay), e.prevDailyClose[symbol])
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// Markets 已注册交易对符号
func (e *Engine) Markets() []string {
	return e.registry.Symbols()
}
