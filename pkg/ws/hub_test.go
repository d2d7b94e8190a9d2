package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startHub(t *testing.T, init ...func(Topic) interface{}) (*Hub, *httptest.Server) {
	t.Helper()

	hub := NewHub(zap.NewNop())
	if len(init) > 0 {
		hub.SetInitDataProvider(init[0])
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		topic, _ := strconv.Atoi(r.URL.Query().Get("topic"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn, Topic(topic))
		if err := client.Register(); err != nil {
			conn.Close()
			return
		}
		go client.ReadPump()
		go client.WritePump()
	}))

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, topic Topic) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?topic=" + strconv.Itoa(int(topic))
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestPublishRoutesByTopic(t *testing.T) {
	hub, srv := startHub(t)

	entrance := dial(t, srv, 1)
	exit := dial(t, srv, 2)
	dashboard := dial(t, srv, TopicAll)
	require.Eventually(t, func() bool { return hub.ClientCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(2, "auto_capture", map[string]string{"tagId": "T1"})

	msg := readMessage(t, exit)
	assert.Equal(t, "auto_capture", msg.Type)
	assert.Equal(t, Topic(2), msg.Topic)

	msg = readMessage(t, dashboard)
	assert.Equal(t, "auto_capture", msg.Type)

	// 入口站不应收到出口站的消息
	hub.Publish(1, "gate_command", "open")
	msg = readMessage(t, entrance)
	assert.Equal(t, "gate_command", msg.Type)
	assert.Equal(t, Topic(1), msg.Topic)
}

func TestPublishToAll(t *testing.T) {
	hub, srv := startHub(t)

	a := dial(t, srv, 1)
	b := dial(t, srv, 2)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(TopicAll, MsgTypeError, "boom")
	assert.Equal(t, MsgTypeError, readMessage(t, a).Type)
	assert.Equal(t, MsgTypeError, readMessage(t, b).Type)
}

func TestInitData(t *testing.T) {
	_, srv := startHub(t, func(topic Topic) interface{} {
		if topic != TopicAll {
			return nil
		}
		return []string{"T1"}
	})

	dashboard := dial(t, srv, TopicAll)
	msg := readMessage(t, dashboard)
	assert.Equal(t, MsgTypeInit, msg.Type)
	assert.Equal(t, []interface{}{"T1"}, msg.Data)
}

func TestSlowInitDataDoesNotBlockPublish(t *testing.T) {
	release := make(chan struct{})
	hub, srv := startHub(t, func(topic Topic) interface{} {
		if topic != TopicAll {
			return nil
		}
		// 看板初始数据需要等待会话锁
		<-release
		return []string{"T1"}
	})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	entrance := dial(t, srv, 1)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	dashboard := dial(t, srv, TopicAll)

	hub.Publish(1, "auto_capture", map[string]string{"tagId": "T2"})
	msg := readMessage(t, entrance)
	assert.Equal(t, "auto_capture", msg.Type)
	assert.Equal(t, 1, hub.ClientCount())

	unblock()
	msg = readMessage(t, dashboard)
	assert.Equal(t, MsgTypeInit, msg.Type)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientDisconnect(t *testing.T) {
	hub, srv := startHub(t)

	conn := dial(t, srv, 1)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRegisterAfterStop(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, hub.Run(ctx))

	client := NewClient(hub, nil, 1)
	assert.ErrorIs(t, client.Register(), ErrHubClosed)

	// 已停止时发布直接丢弃
	hub.Publish(1, "noop", nil)
}
