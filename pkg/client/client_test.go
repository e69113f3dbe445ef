package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/roomsync/internal/hub"
	"github.com/haasonsaas/roomsync/pkg/protocol"
	"github.com/haasonsaas/roomsync/pkg/statetree"
)

func startHub(t *testing.T, opts hub.Options) string {
	t.Helper()
	h, err := hub.New(opts)
	if err != nil {
		t.Fatalf("hub.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	return newClientWithInterval(t, url, 30*time.Millisecond)
}

func newClientWithInterval(t *testing.T, url string, interval time.Duration) *Client {
	t.Helper()
	opts := DefaultOptions()
	opts.BatchInterval = interval
	c := New(url, opts)
	t.Cleanup(func() {
		if c.Connected() {
			_ = c.Disconnect(context.Background())
		}
	})
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClient_LocalPreconditions(t *testing.T) {
	url := startHub(t, hub.Options{})
	ctx := testContext(t)
	c := newClient(t, url)

	if _, err := c.Auth(ctx, "a"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Auth before connect = %v", err)
	}
	if err := c.Disconnect(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Disconnect before connect = %v", err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(ctx); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect = %v", err)
	}
	if _, err := c.Join(ctx, "r", nil); !errors.Is(err, ErrNotAuthed) {
		t.Fatalf("Join before auth = %v", err)
	}
	if err := c.UpdateState(map[string]any{"x": 1}); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("update outside room = %v", err)
	}
	if _, err := c.LeaveRoom(ctx); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("LeaveRoom outside room = %v", err)
	}
	if _, err := c.Auth(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Auth(ctx, "a"); !errors.Is(err, ErrAlreadyAuthed) {
		t.Fatalf("second Auth = %v", err)
	}
	if _, err := c.Join(ctx, "r", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Join(ctx, "r", nil); !errors.Is(err, ErrAlreadyInRoom) {
		t.Fatalf("second Join = %v", err)
	}
}

func TestClient_HubErrorRejectsPendingCall(t *testing.T) {
	url := startHub(t, hub.Options{})
	ctx := testContext(t)
	c := newClient(t, url)
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	// Skip the local guard to reach the hub's own check.
	_, err := c.await(ctx, protocol.EventJoined, protocol.OpJoin, func() error {
		return c.send(protocol.EventJoin, protocol.JoinRequest{Room: "r"})
	})
	var opErr *protocol.OpError
	if !errors.As(err, &opErr) || opErr.Type != protocol.OpJoin {
		t.Fatalf("err = %v, want join OpError", err)
	}
	if room, in := c.Room(); in {
		t.Fatalf("client thinks it is in room %q", room)
	}
}

func TestClient_MalformedAuthRejectsPendingCall(t *testing.T) {
	url := startHub(t, hub.Options{})
	ctx := testContext(t)
	c := newClient(t, url)
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := c.await(ctx, protocol.EventAuthed, protocol.OpAuth, func() error {
		return c.send(protocol.EventAuth, map[string]any{"id": 5})
	})
	var opErr *protocol.OpError
	if !errors.As(err, &opErr) || opErr.Type != protocol.OpAuth {
		t.Fatalf("err = %v, want auth OpError", err)
	}
	if _, err := c.Auth(ctx, "a"); err != nil {
		t.Fatalf("Auth after rejected request: %v", err)
	}
}

func TestClient_JoinSnapshotAndConvergence(t *testing.T) {
	url := startHub(t, hub.Options{})
	ctx := testContext(t)
	a := newClient(t, url)
	b := newClient(t, url)

	if _, err := a.ConnectAuthAndJoin(ctx, "A", "r", map[string]any{"name": "a"}); err != nil {
		t.Fatal(err)
	}
	if err := a.UpdateStateReliable(map[string]any{"board": map[string]any{"x": 1, "y": 2}}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "A's own update", func() bool { return a.State()["board"] != nil })

	joined, err := b.ConnectAuthAndJoin(ctx, "B", "r", nil)
	if err != nil {
		t.Fatal(err)
	}
	if joined.Room != "r" || len(joined.Users) != 2 {
		t.Fatalf("joined = %+v", joined)
	}
	want := statetree.Tree{"board": statetree.Tree{"x": 1.0, "y": 2.0}}
	if !statetree.Equal(joined.State, want) {
		t.Fatalf("snapshot state = %v", joined.State)
	}

	b.UpdateStateReliable(map[string]any{"board": map[string]any{"x": nil, "z": 3}})
	a.UpdateUserUnreliable(map[string]any{"pos": []any{1, 2}})
	b.UpdateState(map[string]any{"turn": "B"})

	want = statetree.Tree{"board": statetree.Tree{"y": 2.0, "z": 3.0}, "turn": "B"}
	for _, c := range []*Client{a, b} {
		c := c
		eventually(t, "state convergence", func() bool { return statetree.Equal(c.State(), want) })
		eventually(t, "user convergence", func() bool {
			u := c.Users()["A"]
			return statetree.Equal(u, statetree.Tree{"name": "a", "pos": statetree.Tree{"0": 1.0, "1": 2.0}})
		})
	}
}

func TestClient_BatchedDeliveryPreservesEveryDelta(t *testing.T) {
	url := startHub(t, hub.Options{})
	ctx := testContext(t)
	// A wide window keeps the three deltas below in a single flush.
	a := newClientWithInterval(t, url, 300*time.Millisecond)
	b := newClientWithInterval(t, url, 300*time.Millisecond)
	if _, err := a.ConnectAuthAndJoin(ctx, "A", "r", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := b.ConnectAuthAndJoin(ctx, "B", "r", nil); err != nil {
		t.Fatal(err)
	}

	batches, cancelBatches := b.Subscribe(protocol.EventUserBatched, 8)
	defer cancelBatches()
	singles, cancelSingles := b.Subscribe(EventUserUpdated, 8)
	defer cancelSingles()

	for i := 1; i <= 3; i++ {
		if err := a.UpdateUserBatched(map[string]any{"n": i}); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case ev := <-batches:
		if ev.ID != "A" || len(ev.Deltas) != 3 {
			t.Fatalf("batched event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no batched event")
	}
	for i := 1; i <= 3; i++ {
		ev := <-singles
		if ev.Delta["n"] != float64(i) {
			t.Fatalf("delta %d = %v", i, ev.Delta)
		}
	}
	if got := b.Users()["A"]["n"]; got != 3.0 {
		t.Fatalf("mirror n = %v, want 3", got)
	}
}

func TestClient_LeaveAndDisconnect(t *testing.T) {
	url := startHub(t, hub.Options{})
	ctx := testContext(t)
	a := newClient(t, url)
	b := newClient(t, url)
	if _, err := a.ConnectAuthAndJoin(ctx, "A", "r", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := b.ConnectAuthAndJoin(ctx, "B", "r", nil); err != nil {
		t.Fatal(err)
	}

	gone, cancel := b.Subscribe(protocol.EventDisconnected, 4)
	defer cancel()

	reason, err := a.LeaveRoom(ctx)
	if err != nil || reason == "" {
		t.Fatalf("LeaveRoom = %q, %v", reason, err)
	}
	if len(a.Users()) != 0 || len(a.State()) != 0 {
		t.Fatal("mirror not reset after leave")
	}
	if ev := <-gone; ev.ID != "A" {
		t.Fatalf("disconnected = %+v", ev)
	}

	disconnects, cancelDisc := a.Subscribe(EventDisconnect, 1)
	defer cancelDisc()
	if err := a.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if ev := <-disconnects; ev.Reason != ReasonClientDisconnect {
		t.Fatalf("disconnect reason = %q", ev.Reason)
	}
	if a.Connected() || a.ID() != "" {
		t.Fatal("client still looks connected")
	}
}

func TestClient_KickedWithoutRoom(t *testing.T) {
	url := startHub(t, hub.Options{NoRoomTime: 100 * time.Millisecond})
	ctx := testContext(t)
	c := newClient(t, url)

	disconnects, cancel := c.Subscribe(EventDisconnect, 1)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-disconnects:
		if ev.Reason != "no room joined" {
			t.Fatalf("reason = %q", ev.Reason)
		}
	case <-ctx.Done():
		t.Fatal("client was not kicked")
	}
}

func TestClient_BatchedDeltasStayInTheirRoom(t *testing.T) {
	url := startHub(t, hub.Options{})
	ctx := testContext(t)
	a := newClientWithInterval(t, url, 200*time.Millisecond)

	if _, err := a.ConnectAuthAndJoin(ctx, "A", "roomA", nil); err != nil {
		t.Fatal(err)
	}
	if err := a.UpdateStateBatched(map[string]any{"leak": true}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.LeaveRoom(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Join(ctx, "roomB", nil); err != nil {
		t.Fatal(err)
	}
	time.Sleep(500 * time.Millisecond)

	b := newClient(t, url)
	res, err := b.ConnectAuthAndJoin(ctx, "B", "roomB", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.State["leak"]; ok {
		t.Fatalf("roomB state = %v, carries a delta queued in roomA", res.State)
	}

	// The producer keeps working after the reset.
	if err := a.UpdateStateBatched(map[string]any{"ok": true}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "batched delta in roomB", func() bool {
		return b.State()["ok"] == true
	})
	if _, ok := b.State()["leak"]; ok {
		t.Fatalf("roomB state = %v", b.State())
	}
}
