package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinwatch/internal/alerting"
	"coinwatch/internal/storage"
)

func newTestServer(t *testing.T, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(opts, zerolog.Nop())
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/ws/pinned", func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("owner"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmd command) {
	t.Helper()
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("write command: %v", err)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// matchingClients counts registered clients satisfying pred.
func matchingClients(h *Hub, pred func(*client) bool) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if pred(c) {
			n++
		}
	}
	return n
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var msg Message
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("expected no message, got %+v", msg)
	}
}

func TestPriceUpdateRouting(t *testing.T) {
	hub, srv := newTestServer(t, Options{})

	btcOnly := dial(t, srv, "/ws")
	ethOnly := dial(t, srv, "/ws")
	everything := dial(t, srv, "/ws")

	sendCommand(t, btcOnly, command{Action: ActionSubscribeCoins, Coins: []string{"bitcoin"}})
	sendCommand(t, ethOnly, command{Action: ActionSubscribeCoins, Coins: []string{"ethereum"}})
	eventually(t, func() bool { return hub.ClientCount() == 3 })
	eventually(t, func() bool {
		return matchingClients(hub, func(c *client) bool { return !c.wantsCoin("solana") }) == 2
	})

	err := hub.PublishPriceUpdate(context.Background(), alerting.PriceUpdate{
		AssetID:   "bitcoin",
		Price:     decimal.RequireFromString("64000.5"),
		Change24h: decimal.NewNullDecimal(decimal.RequireFromString("1.2")),
		Time:      time.Now(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, conn := range []*websocket.Conn{btcOnly, everything} {
		msg := readMessage(t, conn)
		if msg.Type != "price_update" {
			t.Fatalf("type = %s", msg.Type)
		}
		data, _ := msg.Data.(map[string]any)
		if data["coinId"] != "bitcoin" || data["currentPrice"] != 64000.5 || data["priceChange24h"] != 1.2 {
			t.Fatalf("unexpected payload %#v", msg.Data)
		}
		if msg.Time == "" {
			t.Fatal("time should be set")
		}
	}
	expectSilence(t, ethOnly)
}

func TestUnsubscribeRestoresFullFeed(t *testing.T) {
	hub, srv := newTestServer(t, Options{})
	conn := dial(t, srv, "/ws")

	sendCommand(t, conn, command{Action: ActionSubscribeCoins, Coins: []string{"ethereum"}})
	sendCommand(t, conn, command{Action: ActionUnsubscribeCoins, Coins: []string{"ethereum"}})
	// a later subscribe to a sentinel coin proves both commands were handled
	sendCommand(t, conn, command{Action: ActionSubscribeCoins, Coins: []string{"litecoin"}})
	eventually(t, func() bool {
		return matchingClients(hub, func(c *client) bool { return !c.wantsCoin("ethereum") && c.wantsCoin("litecoin") }) == 1
	})
	sendCommand(t, conn, command{Action: ActionUnsubscribeCoins, Coins: []string{"litecoin"}})
	eventually(t, func() bool {
		return matchingClients(hub, func(c *client) bool { return c.wantsCoin("ethereum") }) == 1
	})

	_ = hub.PublishPriceUpdate(context.Background(), alerting.PriceUpdate{AssetID: "ethereum", Price: decimal.NewFromInt(3000)})
	if msg := readMessage(t, conn); msg.Type != "price_update" {
		t.Fatalf("type = %s", msg.Type)
	}
}

func TestAlertGoesToOwnerRoomOnly(t *testing.T) {
	hub, srv := newTestServer(t, Options{})
	alice := dial(t, srv, "/ws")
	bob := dial(t, srv, "/ws")
	anonymous := dial(t, srv, "/ws")

	sendCommand(t, alice, command{Action: ActionJoinUserRoom, UserID: "alice"})
	sendCommand(t, bob, command{Action: ActionJoinUserRoom, UserID: "bob"})
	eventually(t, func() bool { return hub.ClientCount() == 3 })
	eventually(t, func() bool {
		return matchingClients(hub, func(c *client) bool { return c.inRoom("alice") || c.inRoom("bob") }) == 2
	})

	err := hub.PublishAlertTriggered(context.Background(), alerting.AlertTriggered{
		AlertID:      "a-1",
		OwnerID:      "alice",
		AssetID:      "bitcoin",
		Condition:    storage.ConditionBelow,
		Threshold:    decimal.NewFromInt(50),
		CurrentPrice: decimal.NewFromInt(49),
		TriggeredAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := readMessage(t, alice)
	if msg.Type != "alertTriggered" {
		t.Fatalf("type = %s", msg.Type)
	}
	data, _ := msg.Data.(map[string]any)
	if data["alertId"] != "a-1" || data["condition"] != "below" || data["currentPrice"] != float64(49) {
		t.Fatalf("unexpected payload %#v", msg.Data)
	}
	expectSilence(t, bob)
	expectSilence(t, anonymous)
}

func TestPinnedOwnerCannotJoinOtherRoom(t *testing.T) {
	hub, srv := newTestServer(t, Options{})
	conn := dial(t, srv, "/ws/pinned?owner=alice")

	sendCommand(t, conn, command{Action: ActionJoinUserRoom, UserID: "mallory"})
	sendCommand(t, conn, command{Action: ActionSubscribeCoins, Coins: []string{"bitcoin"}})
	eventually(t, func() bool {
		return matchingClients(hub, func(c *client) bool { return !c.wantsCoin("ethereum") }) == 1
	})

	_ = hub.PublishAlertTriggered(context.Background(), alerting.AlertTriggered{AlertID: "m", OwnerID: "mallory", TriggeredAt: time.Now()})
	_ = hub.PublishAlertTriggered(context.Background(), alerting.AlertTriggered{AlertID: "a", OwnerID: "alice", TriggeredAt: time.Now()})

	msg := readMessage(t, conn)
	data, _ := msg.Data.(map[string]any)
	if data["alertId"] != "a" {
		t.Fatalf("pinned client should only see its own alerts, got %#v", msg.Data)
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	hub := NewHub(Options{SendBuffer: 1}, zerolog.Nop())
	slow := &client{hub: hub, send: make(chan []byte, 1), coins: map[string]struct{}{}}
	hub.mu.Lock()
	hub.clients[slow] = struct{}{}
	hub.mu.Unlock()

	update := alerting.PriceUpdate{AssetID: "bitcoin", Price: decimal.NewFromInt(1)}
	_ = hub.PublishPriceUpdate(context.Background(), update)
	if hub.ClientCount() != 1 {
		t.Fatal("first message fits in the buffer")
	}
	_ = hub.PublishPriceUpdate(context.Background(), update)
	if hub.ClientCount() != 0 {
		t.Fatal("client with a full buffer should be dropped")
	}

	<-slow.send
	if _, open := <-slow.send; open {
		t.Fatal("send channel should be closed after drop")
	}
}

func TestCapacityLimit(t *testing.T) {
	hub, srv := newTestServer(t, Options{MaxClients: 1})
	_ = dial(t, srv, "/ws")
	eventually(t, func() bool { return hub.ClientCount() == 1 })

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("second client should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", resp)
	}
}

func TestMessageEncodingUsesNumbers(t *testing.T) {
	update := alerting.PriceUpdate{AssetID: "x", Price: decimal.RequireFromString("0.000123")}
	data, err := encode(alerting.KindPriceUpdate, newPriceUpdatePayload(update), time.Unix(0, 0))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// 缺失的 24h 涨跌按 0 发送
	if !strings.Contains(string(data), `"currentPrice":0.000123`) || !strings.Contains(string(data), `"priceChange24h":0`) {
		t.Fatalf("unexpected encoding %s", data)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("round trip: %v", err)
	}
}
