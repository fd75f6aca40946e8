package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"feed-orchestrator/internal/anomaly"
	"feed-orchestrator/internal/feed"
	"feed-orchestrator/internal/latency"
	"feed-orchestrator/internal/provider"
	"feed-orchestrator/internal/selection"
	"feed-orchestrator/internal/transport"
)

const ackOK = `{"status":"ok"}`

// scriptConn replays queued inbound frames and records outbound ones.
// breakConn simulates a provider-side connection reset.
type scriptConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool

	frames chan []byte
	broken chan struct{}
	once   sync.Once
}

func newScriptConn(frames ...string) *scriptConn {
	c := &scriptConn{
		frames: make(chan []byte, 64),
		broken: make(chan struct{}),
	}
	for _, f := range frames {
		c.frames <- []byte(f)
	}
	return c
}

func (c *scriptConn) push(frame string) { c.frames <- []byte(frame) }

func (c *scriptConn) breakConn() { c.once.Do(func() { close(c.broken) }) }

func (c *scriptConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: closed", transport.ErrTransport)
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *scriptConn) Receive(ctx context.Context) ([]byte, error) {
	// Drain queued frames before honouring a break so scripted ticks are
	// always delivered in order.
	select {
	case frame := <-c.frames:
		return frame, nil
	default:
	}
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.broken:
		return nil, fmt.Errorf("%w: connection reset", transport.ErrTransport)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", transport.ErrTransport, ctx.Err())
	}
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *scriptConn) sentFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, f := range c.sent {
		out[i] = string(f)
	}
	return out
}

func (c *scriptConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// scriptFactory hands out scripted connections per endpoint. An optional
// gate makes every Open consume one token first, so tests can hold a
// dial in flight at a chosen point.
type scriptFactory struct {
	mu    sync.Mutex
	conns map[string][]*scriptConn
	opens map[string]int
	gate  chan struct{}
}

func newScriptFactory() *scriptFactory {
	return &scriptFactory{
		conns: make(map[string][]*scriptConn),
		opens: make(map[string]int),
	}
}

func (f *scriptFactory) queue(endpoint string, conn *scriptConn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[endpoint] = append(f.conns[endpoint], conn)
}

func (f *scriptFactory) openCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[endpoint]
}

func (f *scriptFactory) holdOpens(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *scriptFactory) Open(ctx context.Context, endpoint string) (transport.Conn, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", transport.ErrTransport, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens[endpoint]++
	if queued := f.conns[endpoint]; len(queued) > 0 {
		conn := queued[0]
		f.conns[endpoint] = queued[1:]
		return conn, nil
	}
	return nil, fmt.Errorf("%w: no scripted connection for %s", transport.ErrTransport, endpoint)
}

var (
	_ transport.Conn    = (*scriptConn)(nil)
	_ transport.Factory = (*scriptFactory)(nil)
)

type fixture struct {
	registry *provider.Registry
	factory  *scriptFactory
	bus      *feed.Bus
	events   <-chan feed.Event
	orch     *Orchestrator
}

func testProvider(id string, tier provider.Tier, cost string, baselineMs float64) provider.Provider {
	return provider.Provider{
		ID:                id,
		Name:              id,
		Endpoint:          "ws://" + id,
		AuthScheme:        "api_key",
		CostPerMessage:    decimal.RequireFromString(cost),
		LatencyBaselineMs: baselineMs,
		Priority:          tier,
		InstrumentClasses: []string{"stock_quotes"},
	}
}

func newFixture(t *testing.T, cfg Config, providers ...provider.Provider) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	bus := feed.NewBus(256)
	events := bus.Subscribe()

	registry := provider.NewRegistry(provider.Thresholds{
		MinUptimePct:     90,
		MaxLatencyMs:     1000,
		MaxErrorRate:     0.5,
		UptimePenaltyPct: 5,
	}, bus, logger)
	creds := transport.StaticCredentials{}
	for _, p := range providers {
		if err := registry.Register(p); err != nil {
			t.Fatalf("注册提供方失败: %v", err)
		}
		creds[p.ID] = transport.Credentials{APIKey: "key-" + p.ID}
	}

	factory := newScriptFactory()
	fallback := latency.SLAClass{Name: "stock_quotes", TargetMs: 50, WarningMs: 100, CriticalMs: 500}
	orch := New(Options{
		Config:   cfg,
		Registry: registry,
		Selector: selection.NewEngine(registry, selection.DefaultWeights(), logger),
		Pool:     transport.NewPool(factory, logger),
		Auths:    transport.NewAuthenticatorSet(transport.APIKeyAuthenticator{}),
		Creds:    creds,
		Detector: anomaly.New(anomaly.DefaultConfig()),
		Monitor:  latency.NewMonitor(latency.DefaultConfig(), nil, fallback, bus, logger),
		Bus:      bus,
	}, logger)

	return &fixture{
		registry: registry,
		factory:  factory,
		bus:      bus,
		events:   events,
		orch:     orch,
	}
}

func waitEvent(t *testing.T, events <-chan feed.Event, typ feed.EventType) feed.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("等待事件 %s 超时", typ)
		}
	}
}

func waitState(t *testing.T, o *Orchestrator, instrument string, want State) SubscriptionStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, s := range o.Subscriptions() {
			if s.Instrument == instrument && s.State == want {
				return s
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("订阅 %s 未进入状态 %s", instrument, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubscribeConnectsBestProvider(t *testing.T) {
	fx := newFixture(t, DefaultConfig(),
		testProvider("premium", provider.TierHigh, "0.003", 10),
		testProvider("backup", provider.TierMedium, "0.001", 40),
	)
	conn := newScriptConn(ackOK)
	fx.factory.queue("ws://premium", conn)

	if err := fx.orch.Subscribe(context.Background(), "AAPL"); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}

	ev := waitEvent(t, fx.events, feed.EventSymbolConnected)
	if ev.Provider != "premium" {
		t.Fatalf("应连接到评分最高的提供方, 实际 %s", ev.Provider)
	}

	frames := conn.sentFrames()
	if len(frames) < 2 {
		t.Fatalf("应先发送认证帧再发送订阅帧, 实际发送 %d 帧", len(frames))
	}
	if !strings.Contains(frames[0], `"scheme":"api_key"`) {
		t.Fatalf("首帧应为认证帧: %s", frames[0])
	}
	if !strings.Contains(frames[1], `"instrument":"AAPL"`) {
		t.Fatalf("次帧应为订阅帧: %s", frames[1])
	}

	conn.push(fmt.Sprintf(`{"instrument":"AAPL","price":101.5,"volume":1200,"ts":%d}`, time.Now().UnixMilli()))
	ev = waitEvent(t, fx.events, feed.EventMessageReceived)
	msg, ok := ev.Payload.(feed.TickMessage)
	if !ok {
		t.Fatalf("消息事件负载类型不正确: %T", ev.Payload)
	}
	if msg.Price != 101.5 {
		t.Fatalf("消息价格不正确: %f", msg.Price)
	}
	if health, _ := fx.registry.GetHealth("premium"); health.Messages != 1 {
		t.Fatalf("成功消息应计入提供方健康记录, 实际 %d", health.Messages)
	}
}

func TestSubscribeRejectsDuplicate(t *testing.T) {
	fx := newFixture(t, DefaultConfig(), testProvider("premium", provider.TierHigh, "0.003", 10))
	fx.factory.queue("ws://premium", newScriptConn(ackOK))

	if err := fx.orch.Subscribe(context.Background(), "AAPL"); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	if err := fx.orch.Subscribe(context.Background(), "AAPL"); err == nil {
		t.Fatal("重复订阅应被拒绝")
	}
}

func TestAuthRejectionMovesToNextProvider(t *testing.T) {
	fx := newFixture(t, DefaultConfig(),
		testProvider("premium", provider.TierHigh, "0.003", 10),
		testProvider("backup", provider.TierMedium, "0.001", 40),
	)
	fx.factory.queue("ws://premium", newScriptConn(`{"status":"denied","reason":"bad key"}`))
	fx.factory.queue("ws://backup", newScriptConn(ackOK))

	if err := fx.orch.Subscribe(context.Background(), "AAPL"); err != nil {
		t.Fatalf("认证被拒后应切换下一个提供方: %v", err)
	}

	ev := waitEvent(t, fx.events, feed.EventSymbolConnected)
	if ev.Provider != "backup" {
		t.Fatalf("应连接到备用提供方, 实际 %s", ev.Provider)
	}
	if health, _ := fx.registry.GetHealth("premium"); health.ConsecutiveErrors != 1 {
		t.Fatalf("认证失败应计入错误, 实际连续错误 %d", health.ConsecutiveErrors)
	}
	if fx.factory.openCount("ws://premium") != 1 {
		t.Fatal("认证被拒的提供方不应被立即重试")
	}
}

func TestTransportErrorFailsOverToBackup(t *testing.T) {
	fx := newFixture(t, DefaultConfig(),
		testProvider("premium", provider.TierHigh, "0.003", 10),
		testProvider("backup", provider.TierMedium, "0.001", 40),
	)
	primary := newScriptConn(ackOK)
	fx.factory.queue("ws://premium", primary)
	fx.factory.queue("ws://backup", newScriptConn(ackOK))

	if err := fx.orch.Subscribe(context.Background(), "AAPL"); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	waitEvent(t, fx.events, feed.EventSymbolConnected)

	primary.breakConn()

	ev := waitEvent(t, fx.events, feed.EventFailoverSuccess)
	payload, ok := ev.Payload.(feed.FailoverPayload)
	if !ok {
		t.Fatalf("故障转移事件负载类型不正确: %T", ev.Payload)
	}
	if payload.From != "premium" || payload.To != "backup" {
		t.Fatalf("故障转移路径不正确: %s -> %s", payload.From, payload.To)
	}
	if payload.Reason != "transport_error" {
		t.Fatalf("故障转移原因不正确: %s", payload.Reason)
	}

	status := waitState(t, fx.orch, "AAPL", StateConnected)
	if status.ProviderID != "backup" {
		t.Fatalf("故障转移后应绑定备用提供方, 实际 %s", status.ProviderID)
	}
	if status.Failovers != 1 {
		t.Fatalf("故障转移计数不正确: %d", status.Failovers)
	}
	if !primary.isClosed() {
		t.Fatal("故障转移应先关闭旧连接")
	}
	if fx.orch.AvgFailoverDuration() < 0 {
		t.Fatal("平均故障转移耗时不应为负")
	}
}

func TestFailoverExhaustionLeavesUnsubscribed(t *testing.T) {
	fx := newFixture(t, DefaultConfig(), testProvider("premium", provider.TierHigh, "0.003", 10))
	primary := newScriptConn(ackOK)
	fx.factory.queue("ws://premium", primary)

	if err := fx.orch.Subscribe(context.Background(), "AAPL"); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	waitEvent(t, fx.events, feed.EventSymbolConnected)

	primary.breakConn()

	waitEvent(t, fx.events, feed.EventFailoverFailed)
	waitState(t, fx.orch, "AAPL", StateUnsubscribed)

	// 终态后允许重新订阅从头重试.
	fx.factory.queue("ws://premium", newScriptConn(ackOK))
	if err := fx.orch.Subscribe(context.Background(), "AAPL"); err != nil {
		t.Fatalf("终态后重新订阅失败: %v", err)
	}
	waitState(t, fx.orch, "AAPL", StateConnected)
}

func TestHealthTickDegradesStaleFeed(t *testing.T) {
	fx := newFixture(t, DefaultConfig(),
		testProvider("premium", provider.TierHigh, "0.003", 10),
		testProvider("backup", provider.TierMedium, "0.001", 40),
	)
	fx.factory.queue("ws://premium", newScriptConn(ackOK))
	fx.factory.queue("ws://backup", newScriptConn(ackOK))

	if err := fx.orch.Subscribe(context.Background(), "AAPL"); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	waitEvent(t, fx.events, feed.EventSymbolConnected)

	// 超过静默窗口且从未收到消息: 以订阅创建时间计静默.
	if err := fx.orch.healthTick(context.Background(), time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("健康巡检失败: %v", err)
	}

	ev := waitEvent(t, fx.events, feed.EventFailoverSuccess)
	payload := ev.Payload.(feed.FailoverPayload)
	if payload.Reason != "stale_feed" {
		t.Fatalf("静默触发的故障转移原因不正确: %s", payload.Reason)
	}
	status := waitState(t, fx.orch, "AAPL", StateConnected)
	if status.ProviderID != "backup" {
		t.Fatalf("静默后应切换到备用提供方, 实际 %s", status.ProviderID)
	}
}

func TestHealthTickDegradesUnhealthyProvider(t *testing.T) {
	fx := newFixture(t, DefaultConfig(),
		testProvider("premium", provider.TierHigh, "0.003", 10),
		testProvider("backup", provider.TierMedium, "0.001", 40),
	)
	primary := newScriptConn(ackOK)
	fx.factory.queue("ws://premium", primary)
	fx.factory.queue("ws://backup", newScriptConn(ackOK))

	if err := fx.orch.Subscribe(context.Background(), "AAPL"); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	waitEvent(t, fx.events, feed.EventSymbolConnected)
	// 保持连接有消息流动, 避免静默规则先触发.
	primary.push(fmt.Sprintf(`{"instrument":"AAPL","price":100,"volume":10,"ts":%d}`, time.Now().UnixMilli()))
	waitEvent(t, fx.events, feed.EventMessageReceived)

	for i := 0; i < 10; i++ {
		fx.registry.RecordError("premium")
	}

	if err := fx.orch.healthTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("健康巡检失败: %v", err)
	}

	waitEvent(t, fx.events, feed.EventProviderUnhealthy)
	ev := waitEvent(t, fx.events, feed.EventFailoverSuccess)
	payload := ev.Payload.(feed.FailoverPayload)
	if payload.Reason != "provider_unhealthy" {
		t.Fatalf("不健康触发的故障转移原因不正确: %s", payload.Reason)
	}
	waitState(t, fx.orch, "AAPL", StateConnected)
}

func TestCostTickSwitchesToCheaperFeed(t *testing.T) {
	fx := newFixture(t, DefaultConfig(),
		testProvider("premium", provider.TierHigh, "0.005", 10),
		testProvider("cheap", provider.TierLow, "0.0005", 40),
	)
	fx.factory.queue("ws://premium", newScriptConn(ackOK))
	fx.factory.queue("ws://cheap", newScriptConn(ackOK))

	if err := fx.orch.Subscribe(context.Background(), "AAPL"); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	ev := waitEvent(t, fx.events, feed.EventSymbolConnected)
	if ev.Provider != "premium" {
		t.Fatalf("初始应选择评分最高的提供方, 实际 %s", ev.Provider)
	}

	// 构造消息速率: 节省额 = 单价差 × 每日消息量.
	for i := 0; i < 20; i++ {
		fx.registry.RecordSuccess("premium", 10)
	}
	fx.registry.Tick(time.Now().UTC().Add(2 * time.Second))

	if err := fx.orch.costTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("成本优化巡检失败: %v", err)
	}

	ev = waitEvent(t, fx.events, feed.EventCostOptimization)
	opt, ok := ev.Payload.(feed.CostOptimizationPayload)
	if !ok {
		t.Fatalf("成本优化事件负载类型不正确: %T", ev.Payload)
	}
	if opt.From != "premium" || opt.To != "cheap" {
		t.Fatalf("成本优化路径不正确: %s -> %s", opt.From, opt.To)
	}

	ev = waitEvent(t, fx.events, feed.EventFailoverSuccess)
	payload := ev.Payload.(feed.FailoverPayload)
	if payload.Reason != "cost_optimization" {
		t.Fatalf("成本优化切换原因不正确: %s", payload.Reason)
	}
	status := waitState(t, fx.orch, "AAPL", StateConnected)
	if status.ProviderID != "cheap" {
		t.Fatalf("成本优化后应绑定低成本提供方, 实际 %s", status.ProviderID)
	}
}

func TestCostTickSkipsMarginalSavings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CostMinSavingsUSD = decimal.NewFromInt(10000)
	fx := newFixture(t, cfg,
		testProvider("premium", provider.TierHigh, "0.005", 10),
		testProvider("cheap", provider.TierLow, "0.0005", 40),
	)
	fx.factory.queue("ws://premium", newScriptConn(ackOK))

	if err := fx.orch.Subscribe(context.Background(), "AAPL"); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	waitEvent(t, fx.events, feed.EventSymbolConnected)

	for i := 0; i < 20; i++ {
		fx.registry.RecordSuccess("premium", 10)
	}
	fx.registry.Tick(time.Now().UTC().Add(2 * time.Second))

	if err := fx.orch.costTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("成本优化巡检失败: %v", err)
	}

	select {
	case ev := <-fx.events:
		if ev.Type == feed.EventCostOptimization {
			t.Fatal("节省额低于阈值时不应触发成本优化")
		}
	case <-time.After(100 * time.Millisecond):
	}
	status := waitState(t, fx.orch, "AAPL", StateConnected)
	if status.ProviderID != "premium" {
		t.Fatalf("不应切换提供方, 实际 %s", status.ProviderID)
	}
}

func TestUnsubscribeClosesConnection(t *testing.T) {
	fx := newFixture(t, DefaultConfig(), testProvider("premium", provider.TierHigh, "0.003", 10))
	conn := newScriptConn(ackOK)
	fx.factory.queue("ws://premium", conn)

	if err := fx.orch.Subscribe(context.Background(), "AAPL"); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	waitEvent(t, fx.events, feed.EventSymbolConnected)

	if err := fx.orch.Unsubscribe("AAPL"); err != nil {
		t.Fatalf("退订失败: %v", err)
	}
	waitState(t, fx.orch, "AAPL", StateUnsubscribed)
	if !conn.isClosed() {
		t.Fatal("退订应关闭底层连接")
	}
	if err := fx.orch.Unsubscribe("MSFT"); err == nil {
		t.Fatal("退订未知标的应返回错误")
	}
}

func TestConcurrentFailoverTriggersRebindOnce(t *testing.T) {
	fx := newFixture(t, DefaultConfig(),
		testProvider("premium", provider.TierHigh, "0.003", 10),
		testProvider("backup", provider.TierMedium, "0.001", 40),
	)
	primary := newScriptConn(ackOK)
	fx.factory.queue("ws://premium", primary)
	fx.factory.queue("ws://backup", newScriptConn(ackOK))

	if err := fx.orch.Subscribe(context.Background(), "AAPL"); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	waitEvent(t, fx.events, feed.EventSymbolConnected)

	fx.orch.mu.RLock()
	sub := fx.orch.subs["AAPL"]
	fx.orch.mu.RUnlock()
	sub.mu.Lock()
	sub.state = StateDegraded
	sub.mu.Unlock()

	// 赢得竞争的一方被拦在拨号处, 此时另一方必须直接退出.
	gate := make(chan struct{})
	fx.factory.holdOpens(gate)

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			fx.orch.failover(sub, "stale_feed")
			done <- struct{}{}
		}()
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("并发触发的第二个 failover 未立即退出")
	}
	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("第一个 failover 未完成")
	}

	status := waitState(t, fx.orch, "AAPL", StateConnected)
	if status.Failovers != 1 {
		t.Fatalf("并发触发应只执行一次故障转移, 实际 %d", status.Failovers)
	}
	if n := fx.factory.openCount("ws://backup"); n != 1 {
		t.Fatalf("备用提供方只应建立一条连接, 实际 %d", n)
	}
}

func TestInitialConnectRetryPassesThroughFailingOver(t *testing.T) {
	fx := newFixture(t, DefaultConfig(),
		testProvider("premium", provider.TierHigh, "0.003", 10),
		testProvider("backup", provider.TierMedium, "0.001", 40),
	)
	// premium 无脚本连接, 首次拨号即失败; backup 正常.
	fx.factory.queue("ws://backup", newScriptConn(ackOK))
	gate := make(chan struct{}, 2)
	fx.factory.holdOpens(gate)
	gate <- struct{}{}

	done := make(chan error, 1)
	go func() { done <- fx.orch.Subscribe(context.Background(), "AAPL") }()

	// 首个候选失败后、备用拨号完成前, 状态应为 failing_over.
	waitState(t, fx.orch, "AAPL", StateFailingOver)

	gate <- struct{}{}
	if err := <-done; err != nil {
		t.Fatalf("重试备用提供方应成功: %v", err)
	}
	status := waitState(t, fx.orch, "AAPL", StateConnected)
	if status.ProviderID != "backup" {
		t.Fatalf("重试后应绑定备用提供方, 实际 %s", status.ProviderID)
	}
}

type flakySink struct {
	mu    sync.Mutex
	calls int
	saved int
}

func (s *flakySink) InsertLatencySnapshot(ctx context.Context, snap latency.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls == 1 {
		return fmt.Errorf("insert failed")
	}
	s.saved++
	return nil
}

var _ SnapshotSink = (*flakySink)(nil)

func TestPersistSnapshotsContinuesAfterInsertError(t *testing.T) {
	fx := newFixture(t, DefaultConfig(), testProvider("premium", provider.TierHigh, "0.003", 10))
	sink := &flakySink{}
	fx.orch.sink = sink

	fx.orch.monitor.Record("premium", "AAPL", "stock_quotes", 12)
	fx.orch.monitor.Record("premium", "MSFT", "stock_quotes", 18)

	fx.orch.persistSnapshots(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls != 2 {
		t.Fatalf("单条写入失败不应跳过其余快照, 实际尝试 %d 次", sink.calls)
	}
	if sink.saved != 1 {
		t.Fatalf("其余快照仍应写入, 实际 %d", sink.saved)
	}
}

func TestMalformedFrameDroppedWithoutFailover(t *testing.T) {
	fx := newFixture(t, DefaultConfig(), testProvider("premium", provider.TierHigh, "0.003", 10))
	conn := newScriptConn(ackOK)
	fx.factory.queue("ws://premium", conn)

	if err := fx.orch.Subscribe(context.Background(), "AAPL"); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	waitEvent(t, fx.events, feed.EventSymbolConnected)

	conn.push(`{"instrument":"AAPL","price":-1,"volume":10}`)
	conn.push(fmt.Sprintf(`{"instrument":"AAPL","price":100,"volume":10,"ts":%d}`, time.Now().UnixMilli()))

	waitEvent(t, fx.events, feed.EventMessageReceived)
	status := waitState(t, fx.orch, "AAPL", StateConnected)
	if status.MessagesReceived != 1 {
		t.Fatalf("非法帧不应计入消息量, 实际 %d", status.MessagesReceived)
	}
	health, _ := fx.registry.GetHealth("premium")
	if health.Errors != 1 {
		t.Fatalf("非法帧应计入提供方错误, 实际 %d", health.Errors)
	}
}
