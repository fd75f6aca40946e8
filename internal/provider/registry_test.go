package provider

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"feed-orchestrator/internal/feed"
)

func testThresholds() Thresholds {
	return Thresholds{
		MinUptimePct:     90,
		MaxLatencyMs:     100,
		MaxErrorRate:     0.1,
		UptimePenaltyPct: 5,
	}
}

func newTestRegistry(t *testing.T, bus *feed.Bus) *Registry {
	t.Helper()
	reg := NewRegistry(testThresholds(), bus, zerolog.Nop())
	err := reg.Register(Provider{
		ID:                "alpha",
		Name:              "Alpha Feed",
		Endpoint:          "wss://alpha.example/feed",
		AuthScheme:        "api_key",
		CostPerMessage:    decimal.NewFromFloat(0.001),
		LatencyBaselineMs: 20,
		Priority:          TierHigh,
		InstrumentClasses: []string{"stock_quotes"},
	})
	if err != nil {
		t.Fatalf("注册 provider 失败: %v", err)
	}
	return reg
}

func TestRegisterDuplicateRejected(t *testing.T) {
	reg := newTestRegistry(t, nil)
	if err := reg.Register(Provider{ID: "alpha"}); err == nil {
		t.Fatal("重复注册应报错")
	}
}

func TestUnhealthyFiresOnceOnEdge(t *testing.T) {
	bus := feed.NewBus(16)
	ch := bus.Subscribe()
	reg := newTestRegistry(t, bus)

	now := time.Now().UTC()

	// Latency above the 100ms ceiling for three consecutive ticks.
	reg.RecordSuccess("alpha", 120)
	for i := 0; i < 3; i++ {
		now = now.Add(5 * time.Second)
		reg.Tick(now)
	}

	events := drainEvents(ch)
	unhealthy := countType(events, feed.EventProviderUnhealthy)
	if unhealthy != 1 {
		t.Fatalf("provider_unhealthy 应只触发一次, 实际 %d", unhealthy)
	}

	health, ok := reg.GetHealth("alpha")
	if !ok || health.Status != StatusUnhealthy {
		t.Fatalf("provider 应处于 unhealthy 状态: %#v", health)
	}

	// Latency back under threshold, all other metrics within bounds.
	reg.RecordSuccess("alpha", 40)
	now = now.Add(5 * time.Second)
	reg.Tick(now)
	now = now.Add(5 * time.Second)
	reg.Tick(now)

	events = drainEvents(ch)
	recovered := countType(events, feed.EventProviderRecovered)
	if recovered != 1 {
		t.Fatalf("provider_recovered 应只触发一次, 实际 %d", recovered)
	}
}

func TestNoRecoveryWhileAnyThresholdViolated(t *testing.T) {
	bus := feed.NewBus(16)
	ch := bus.Subscribe()
	reg := newTestRegistry(t, bus)

	// Drive error rate over the ceiling while latency stays fine.
	for i := 0; i < 4; i++ {
		reg.RecordError("alpha")
	}
	reg.Tick(time.Now().UTC())

	events := drainEvents(ch)
	if countType(events, feed.EventProviderUnhealthy) != 1 {
		t.Fatal("错误率超限应触发 provider_unhealthy")
	}

	// Error rate is sticky (4 errors vs 1 message); uptime clears but the
	// error-rate threshold is still violated, so no partial recovery.
	reg.RecordSuccess("alpha", 30)
	reg.Tick(time.Now().UTC().Add(5 * time.Second))

	events = drainEvents(ch)
	if countType(events, feed.EventProviderRecovered) != 0 {
		t.Fatal("仍有阈值未恢复时不应触发 provider_recovered")
	}
}

func TestUptimeDerivedFromConsecutiveErrors(t *testing.T) {
	reg := newTestRegistry(t, nil)

	for i := 0; i < 3; i++ {
		reg.RecordError("alpha")
	}
	reg.Tick(time.Now().UTC())

	health, _ := reg.GetHealth("alpha")
	if health.UptimePct != 85 {
		t.Fatalf("3 次连续错误后 uptime 应为 85, 实际 %f", health.UptimePct)
	}

	reg.RecordSuccess("alpha", 10)
	reg.Tick(time.Now().UTC().Add(5 * time.Second))
	health, _ = reg.GetHealth("alpha")
	if health.UptimePct != 100 {
		t.Fatalf("成功后连续错误计数应清零, uptime 实际 %f", health.UptimePct)
	}
}

func TestGetHealthReportsPresence(t *testing.T) {
	reg := newTestRegistry(t, nil)

	health, ok := reg.GetHealth("alpha")
	if !ok {
		t.Fatal("已注册 provider 应返回健康快照")
	}
	if health.UptimePct != 100 || health.Status != StatusActive {
		t.Fatalf("初始健康快照不正确: %#v", health)
	}
	if _, ok := reg.GetHealth("ghost"); ok {
		t.Fatal("未知 provider 不应返回健康快照")
	}
}

func TestRuntimeUpdates(t *testing.T) {
	reg := newTestRegistry(t, nil)

	if err := reg.UpdateCost("alpha", decimal.NewFromFloat(0.01)); err != nil {
		t.Fatalf("更新成本失败: %v", err)
	}
	if err := reg.UpdatePriority("alpha", TierLow); err != nil {
		t.Fatalf("更新优先级失败: %v", err)
	}
	if err := reg.SetActive("alpha", false); err != nil {
		t.Fatalf("停用失败: %v", err)
	}

	p, ok := reg.Get("alpha")
	if !ok {
		t.Fatal("provider 应仍然存在")
	}
	if p.Active || p.Priority != TierLow || !p.CostPerMessage.Equal(decimal.NewFromFloat(0.01)) {
		t.Fatalf("运行时更新未生效: %#v", p)
	}

	if err := reg.UpdateCost("ghost", decimal.Zero); err == nil {
		t.Fatal("未知 provider 应报错")
	}
}

func drainEvents(ch <-chan feed.Event) []feed.Event {
	var out []feed.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countType(events []feed.Event, typ feed.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}
