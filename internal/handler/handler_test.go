package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridechat/internal/broker"
	"ridechat/internal/config"
	"ridechat/internal/database"
	"ridechat/internal/history"
	"ridechat/internal/model"
)

func TestMain(m *testing.M) {
	// プロジェクトルートの.envを読み込み
	_ = godotenv.Load("../../.env")
	os.Exit(m.Run())
}

// setupTestDB テスト用データベース接続をセットアップ
func setupTestDB(t *testing.T) database.Store {
	t.Helper()

	if os.Getenv("DB_HOST") == "" {
		t.Skip("Skipping: DB_HOST not set")
	}
	cfg, err := config.Load()
	require.NoError(t, err)

	db, err := database.Init(cfg)
	if err != nil {
		t.Skipf("Skipping: could not connect to test database: %v", err)
	}
	store := database.NewMySQLStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	// テストデータをクリア
	db.Exec("DELETE FROM messages")
	t.Cleanup(func() {
		db.Exec("DELETE FROM messages")
		db.Close()
	})
	return store
}

// newTestHandler テスト用のHandlerを生成
func newTestHandler(t *testing.T, store database.Store) *Handler {
	t.Helper()

	h := New(store, broker.NewMemory(), config.Config{
		AllowedOrigins: []string{"http://localhost:8080", "http://127.0.0.1:8080"},
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, h.Start(ctx))
	return h
}

func newTestServer(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(h.SetupRouter())
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := strings.Replace(server.URL, "http://", "ws://", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, ev model.Event) {
	t.Helper()
	data, err := model.Encode(ev)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readEvent(t *testing.T, conn *websocket.Conn) model.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := model.Decode(data)
	require.NoError(t, err)
	return ev
}

// expectSilence asserts nothing arrives on conn for a short while
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
}

// joinAndSync joins groupID and waits until the relay has processed it
func joinAndSync(t *testing.T, h *Handler, conn *websocket.Conn, groupID string, members int) {
	t.Helper()
	emit(t, conn, model.JoinEvent{GroupID: groupID})
	require.Eventually(t, func() bool {
		h.ClientMu.RLock()
		defer h.ClientMu.RUnlock()
		return len(h.Groups[groupID]) == members
	}, 2*time.Second, 5*time.Millisecond)
}

func pending(t *testing.T, groupID, body, sender string) model.Message {
	t.Helper()
	msg, err := model.NewPending(groupID, body, sender)
	require.NoError(t, err)
	return msg
}

// TestSend_EchoesToSenderAndMembers 送信者を含むグループ全員に配信
func TestSend_EchoesToSenderAndMembers(t *testing.T) {
	store := database.NewMemoryStore()
	h := newTestHandler(t, store)
	server := newTestServer(t, h)

	customer := dial(t, server)
	driver := dial(t, server)
	joinAndSync(t, h, customer, "ride-1", 1)
	joinAndSync(t, h, driver, "ride-1", 2)

	sent := pending(t, "ride-1", "Hi", "customer")
	emit(t, customer, model.SendEvent{Message: sent})

	for _, conn := range []*websocket.Conn{customer, driver} {
		ev := readEvent(t, conn)
		delivered, ok := ev.(model.DeliveredEvent)
		require.True(t, ok, "got %T", ev)
		assert.Equal(t, sent.ID, delivered.Message.ID)
		assert.Equal(t, "Hi", delivered.Message.Body)
		assert.Equal(t, "customer", delivered.Message.Sender)
		assert.Equal(t, model.StatusDelivered, delivered.Message.Status)
		assert.False(t, delivered.Message.Timestamp.IsZero())
	}

	stored, err := store.ListByGroup(context.Background(), "ride-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, sent.ID, stored[0].ID)
}

// TestSend_NoCrossGroupDelivery 他グループには配信しない
func TestSend_NoCrossGroupDelivery(t *testing.T) {
	h := newTestHandler(t, database.NewMemoryStore())
	server := newTestServer(t, h)

	a := dial(t, server)
	b := dial(t, server)
	joinAndSync(t, h, a, "A", 1)
	joinAndSync(t, h, b, "B", 1)

	emit(t, a, model.SendEvent{Message: pending(t, "A", "only A", "driver")})

	_, ok := readEvent(t, a).(model.DeliveredEvent)
	require.True(t, ok)
	expectSilence(t, b)
}

// TestJoin_DuplicateDoesNotDuplicateDelivery 重複joinでも1回だけ配信
func TestJoin_DuplicateDoesNotDuplicateDelivery(t *testing.T) {
	h := newTestHandler(t, database.NewMemoryStore())
	server := newTestServer(t, h)

	conn := dial(t, server)
	joinAndSync(t, h, conn, "ride-1", 1)
	joinAndSync(t, h, conn, "ride-1", 1)

	sent := pending(t, "ride-1", "once", "customer")
	emit(t, conn, model.SendEvent{Message: sent})

	ev, ok := readEvent(t, conn).(model.DeliveredEvent)
	require.True(t, ok)
	assert.Equal(t, sent.ID, ev.Message.ID)
	expectSilence(t, conn)
}

// TestLeave_StopsDelivery leave後は配信されない
func TestLeave_StopsDelivery(t *testing.T) {
	h := newTestHandler(t, database.NewMemoryStore())
	server := newTestServer(t, h)

	sender := dial(t, server)
	leaver := dial(t, server)
	joinAndSync(t, h, sender, "ride-1", 1)
	joinAndSync(t, h, leaver, "ride-1", 2)

	emit(t, leaver, model.LeaveEvent{GroupID: "ride-1"})
	require.Eventually(t, func() bool {
		h.ClientMu.RLock()
		defer h.ClientMu.RUnlock()
		return len(h.Groups["ride-1"]) == 1
	}, 2*time.Second, 5*time.Millisecond)

	emit(t, sender, model.SendEvent{Message: pending(t, "ride-1", "bye", "driver")})
	_, ok := readEvent(t, sender).(model.DeliveredEvent)
	require.True(t, ok)
	expectSilence(t, leaver)
}

// TestSend_InvalidPayload 不正なイベントにはerrorイベントを返す
func TestSend_InvalidPayload(t *testing.T) {
	h := newTestHandler(t, database.NewMemoryStore())
	server := newTestServer(t, h)
	conn := dial(t, server)

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{invalid}`},
		{"unknown event", `{"event":"typing","data":"ride-1"}`},
		{"blank body", `{"event":"send_message_ride_message","data":{"uuid":"u1","groupId":"ride-1","message":"  ","sender":"customer"}}`},
		{"missing id", `{"event":"send_message_ride_message","data":{"groupId":"ride-1","message":"hi","sender":"customer"}}`},
		{"client sends delivered", `{"event":"receive_message_ride_message","data":{"uuid":"u1","groupId":"ride-1","message":"hi","sender":"customer"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.raw)))
			ev, ok := readEvent(t, conn).(model.ErrorEvent)
			require.True(t, ok)
			assert.NotEmpty(t, ev.Error)
		})
	}

	// connection survives rejected events
	joinAndSync(t, h, conn, "ride-1", 1)
}

// TestSend_RetryKeepsSingleStoredCopy 同じuuidの再送は保存を重複させない
func TestSend_RetryKeepsSingleStoredCopy(t *testing.T) {
	store := database.NewMemoryStore()
	h := newTestHandler(t, store)
	server := newTestServer(t, h)

	conn := dial(t, server)
	joinAndSync(t, h, conn, "ride-1", 1)

	sent := pending(t, "ride-1", "again", "customer")
	emit(t, conn, model.SendEvent{Message: sent})
	readEvent(t, conn)
	emit(t, conn, model.SendEvent{Message: sent})
	readEvent(t, conn)

	stored, err := store.ListByGroup(context.Background(), "ride-1")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

// TestWebSocketOriginCheck 許可されていないOriginは拒否
func TestWebSocketOriginCheck(t *testing.T) {
	h := newTestHandler(t, database.NewMemoryStore())
	server := newTestServer(t, h)
	url := strings.Replace(server.URL, "http://", "ws://", 1) + "/ws"

	header := http.Header{}
	header.Set("Origin", "http://evil.com")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://localhost:8080")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestClientDisconnectCleansMembership(t *testing.T) {
	h := newTestHandler(t, database.NewMemoryStore())
	server := newTestServer(t, h)

	conn := dial(t, server)
	joinAndSync(t, h, conn, "ride-1", 1)
	conn.Close()

	require.Eventually(t, func() bool {
		h.ClientMu.RLock()
		defer h.ClientMu.RUnlock()
		return len(h.Clients) == 0 && len(h.Groups) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

// TestGetGroupMessages 履歴を古い順に返す
func TestGetGroupMessages(t *testing.T) {
	store := database.NewMemoryStore()
	ctx := context.Background()
	for _, body := range []string{"first", "second", "third"} {
		require.NoError(t, store.Save(ctx, pending(t, "ride-1", body, "driver")))
	}
	require.NoError(t, store.Save(ctx, pending(t, "ride-2", "elsewhere", "driver")))

	h := newTestHandler(t, store)
	router := h.SetupRouter()

	req := httptest.NewRequest("GET", "/api/chat/driver/rides/messages/ride-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp history.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, "first", resp.Messages[0].Body)
	assert.Equal(t, "third", resp.Messages[2].Body)
}

// TestGetGroupMessages_Empty メッセージがないグループは404
func TestGetGroupMessages_Empty(t *testing.T) {
	h := newTestHandler(t, database.NewMemoryStore())
	router := h.SetupRouter()

	req := httptest.NewRequest("GET", "/api/chat/driver/rides/messages/nobody", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
	var resp history.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, history.EmptyConversationMessage, resp.Message)
}

// TestGetGroupMessages_HistoryClient 履歴クライアントで空の会話が空スライスになる
func TestGetGroupMessages_HistoryClient(t *testing.T) {
	store := database.NewMemoryStore()
	h := newTestHandler(t, store)
	server := newTestServer(t, h)
	hc := history.NewClient(server.URL, "", time.Second)

	msgs, err := hc.Load(context.Background(), "ride-9")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, store.Save(context.Background(), pending(t, "ride-9", "hello", "driver")))
	msgs, err = hc.Load(context.Background(), "ride-9")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)
}

// TestGetGroupMessages_MySQL MySQLストアでの履歴取得
func TestGetGroupMessages_MySQL(t *testing.T) {
	store := setupTestDB(t)
	require.NoError(t, store.Save(context.Background(), pending(t, "ride-db", "stored", "customer")))

	h := newTestHandler(t, store)
	router := h.SetupRouter()

	req := httptest.NewRequest("GET", "/api/chat/driver/rides/messages/ride-db", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp history.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "stored", resp.Messages[0].Body)
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, database.NewMemoryStore())
	router := h.SetupRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestSend_GroupRejectedByBrokerIsNotStored 配信できないグループは保存もしない
func TestSend_GroupRejectedByBrokerIsNotStored(t *testing.T) {
	store := database.NewMemoryStore()
	// subject rules are checked without a server connection
	h := New(store, &broker.NATS{}, config.Config{}, zerolog.Nop())
	server := newTestServer(t, h)
	conn := dial(t, server)

	emit(t, conn, model.JoinEvent{GroupID: "ride.1"})
	_, ok := readEvent(t, conn).(model.ErrorEvent)
	require.True(t, ok)

	emit(t, conn, model.SendEvent{Message: pending(t, "ride.1", "lost", "customer")})
	ev, ok := readEvent(t, conn).(model.ErrorEvent)
	require.True(t, ok)
	assert.NotEmpty(t, ev.Error)

	stored, err := store.ListByGroup(context.Background(), "ride.1")
	require.NoError(t, err)
	assert.Empty(t, stored)

	h.ClientMu.RLock()
	defer h.ClientMu.RUnlock()
	assert.Empty(t, h.Groups)
}
