package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsTestServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("升级 websocket 失败: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketRoundTrip(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		// Echo one frame back.
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, msg)
	})
	defer srv.Close()

	factory := NewWebsocketFactory(WebsocketOptions{HandshakeTimeout: time.Second})
	conn, err := factory.Open(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("打开连接失败: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := conn.Send(ctx, []byte(`{"ping":1}`)); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	got, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("接收失败: %v", err)
	}
	if string(got) != `{"ping":1}` {
		t.Fatalf("回显内容不正确: %s", got)
	}
}

func TestWebsocketDialFailure(t *testing.T) {
	factory := NewWebsocketFactory(WebsocketOptions{HandshakeTimeout: 500 * time.Millisecond})
	_, err := factory.Open(context.Background(), "ws://127.0.0.1:1/feed")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("拨号失败应返回 transport 错误, 实际 %v", err)
	}
}

func TestWebsocketSendAfterClose(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	factory := NewWebsocketFactory(WebsocketOptions{})
	conn, err := factory.Open(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("打开连接失败: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if err := conn.Send(context.Background(), []byte("x")); !errors.Is(err, ErrTransport) {
		t.Fatalf("关闭后发送应返回 transport 错误, 实际 %v", err)
	}
}
