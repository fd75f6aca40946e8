package feed

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(4)
	ch := bus.Subscribe()

	bus.Publish(Event{Type: EventSymbolConnected, Provider: "alpha", Instrument: "AAPL"})

	select {
	case ev := <-ch:
		if ev.Type != EventSymbolConnected {
			t.Fatalf("事件类型不正确: %s", ev.Type)
		}
		if ev.ID.String() == "" || ev.Timestamp.IsZero() {
			t.Fatal("事件应自动填充 ID 与时间戳")
		}
	case <-time.After(time.Second):
		t.Fatal("订阅者应收到事件")
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(1)
	_ = bus.Subscribe()

	bus.Publish(Event{Type: EventMessageReceived})
	bus.Publish(Event{Type: EventMessageReceived})

	if bus.Dropped() != 1 {
		t.Fatalf("缓冲满时应丢弃 1 条, 实际 %d", bus.Dropped())
	}
}

func TestBusCloseTerminatesSubscribers(t *testing.T) {
	bus := NewBus(1)
	ch := bus.Subscribe()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Fatal("Close 后订阅通道应关闭")
	}

	// Publish after close must not panic.
	bus.Publish(Event{Type: EventAnomaly})
}

func TestParseTick(t *testing.T) {
	now := time.Now().UTC()
	raw := []byte(`{"instrument":"AAPL","price":187.5,"volume":1200,"ts":` + "1700000000000" + `}`)

	msg, err := ParseTick(raw, now)
	if err != nil {
		t.Fatalf("合法帧不应报错: %v", err)
	}
	if msg.Instrument != "AAPL" || msg.Price != 187.5 {
		t.Fatalf("解析结果不正确: %#v", msg)
	}
	if _, ok := msg.Latency(); !ok {
		t.Fatal("带时间戳的帧应可计算延迟")
	}

	if _, err := ParseTick([]byte(`{"price":1}`), now); err == nil {
		t.Fatal("缺少 instrument 应报错")
	}
	if _, err := ParseTick([]byte(`{"instrument":"A","price":-1}`), now); err == nil {
		t.Fatal("非正价格应报错")
	}
	if _, err := ParseTick([]byte(`not json`), now); err == nil {
		t.Fatal("非法 JSON 应报错")
	}
}
