package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lockstep/server/internal/desync"
	"lockstep/server/internal/net/intake"
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/sim"
	"lockstep/server/logging/network"
	"lockstep/server/logging/sinks"
)

type checksumRecorder struct {
	mu    sync.Mutex
	peers []string
	ticks []uint64
}

func (c *checksumRecorder) ObserveRemote(_ context.Context, peer string, _ sim.TimelineRef, tick uint64, _ desync.Checksum) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers = append(c.peers, peer)
	c.ticks = append(c.ticks, tick)
}

func (c *checksumRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

func dial(t *testing.T, srvURL, peer string) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(srvURL)
	if err != nil {
		t.Fatalf("failed to parse server url: %v", err)
	}
	u.Scheme = "ws"
	u.RawQuery = url.Values{"peer": []string{peer}}.Encode()
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("failed to open websocket connection: %v", err)
	}
	t.Cleanup(func() {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	})
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("failed to decode %s: %v", payload, err)
	}
	return out
}

func send(t *testing.T, conn *websocket.Conn, msg proto.ClientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
}

func newTestServer(t *testing.T, inbox *sim.Inbox, checksums Checksums) (*httptest.Server, *sinks.MemorySink) {
	t.Helper()
	mem := sinks.NewMemorySink()
	handler := NewHandler(NewHub(), HandlerConfig{
		Publisher: mem,
		Intake:    intake.CommandContext{Inbox: inbox, Tick: func() uint64 { return 5 }},
		Checksums: checksums,
		Seed:      "ws-test",
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, mem
}

func TestSessionWelcomesAndAcksCommands(t *testing.T) {
	inbox := sim.NewInbox(8, 0, nil)
	srv, _ := newTestServer(t, inbox, nil)
	conn := dial(t, srv.URL, "alpha")

	welcome := readJSON(t, conn)
	if welcome["type"] != proto.TypeWelcome || welcome["session"] != "alpha" || welcome["seed"] != "ws-test" {
		t.Fatalf("unexpected welcome %v", welcome)
	}

	send(t, conn, proto.ClientMessage{Type: proto.TypeCommand, Seq: 1, Tick: 6, Timeline: "global", Cmd: "autosave"})
	relayed := readJSON(t, conn)
	if relayed["type"] != proto.TypeCommand || relayed["order"] != float64(1) {
		t.Fatalf("expected own command relayed with order 1, got %v", relayed)
	}
	ack := readJSON(t, conn)
	if ack["type"] != proto.TypeCommandAck || ack["seq"] != float64(1) || ack["tick"] != float64(6) {
		t.Fatalf("unexpected ack %v", ack)
	}

	// A replayed sequence is acknowledged again without staging twice.
	send(t, conn, proto.ClientMessage{Type: proto.TypeCommand, Seq: 1, Tick: 6, Timeline: "global", Cmd: "autosave"})
	readJSON(t, conn)

	send(t, conn, proto.ClientMessage{Type: proto.TypeCommand, Seq: 2, Tick: 1, Timeline: "global", Cmd: "autosave"})
	reject := readJSON(t, conn)
	if reject["type"] != proto.TypeCommandReject || reject["reason"] != proto.RejectLate {
		t.Fatalf("unexpected reject %v", reject)
	}

	staged := inbox.Drain()
	if len(staged) != 1 || staged[0].Origin != "alpha" || staged[0].Envelope.Type != sim.CommandAutosave || staged[0].Envelope.Seq != 1 {
		t.Fatalf("expected one staged autosave from alpha, got %+v", staged)
	}
}

func TestCommandsAreRelayedToOtherPeers(t *testing.T) {
	srv, _ := newTestServer(t, sim.NewInbox(8, 0, nil), nil)
	host := dial(t, srv.URL, "host")
	readJSON(t, host)
	guest := dial(t, srv.URL, "guest")
	readJSON(t, guest)

	send(t, guest, proto.ClientMessage{Type: proto.TypeCommand, Tick: 9, Timeline: "region:2", Cmd: "set_id_block"})
	for _, conn := range []*websocket.Conn{host, guest} {
		relayed := readJSON(t, conn)
		if relayed["type"] != proto.TypeCommand || relayed["timeline"] != "region:2" || relayed["tick"] != float64(9) || relayed["order"] != float64(1) {
			t.Fatalf("unexpected relay %v", relayed)
		}
	}
}

type relayedCommand struct {
	order   uint64
	faction int32
	tick    uint64
}

func readRelays(t *testing.T, conn *websocket.Conn, n int) []relayedCommand {
	t.Helper()
	out := make([]relayedCommand, 0, n)
	for len(out) < n {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("failed to read relay %d: %v", len(out), err)
		}
		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			t.Fatalf("failed to decode %s: %v", payload, err)
		}
		if msg.Type != proto.TypeCommand {
			continue
		}
		out = append(out, relayedCommand{order: msg.Order, faction: msg.Faction, tick: msg.Tick})
	}
	return out
}

func TestConcurrentSendersShareOneOrder(t *testing.T) {
	const perSender = 20
	inbox := sim.NewInbox(64, 0, nil)
	srv, _ := newTestServer(t, inbox, nil)
	watcher := dial(t, srv.URL, "watcher")
	readJSON(t, watcher)
	senders := []*websocket.Conn{dial(t, srv.URL, "a"), dial(t, srv.URL, "b")}
	for _, conn := range senders {
		readJSON(t, conn)
	}

	var wg sync.WaitGroup
	for i, conn := range senders {
		wg.Add(1)
		go func(faction int32, conn *websocket.Conn) {
			defer wg.Done()
			for n := 0; n < perSender; n++ {
				msg := proto.ClientMessage{Type: proto.TypeCommand, Tick: uint64(10 + n), Timeline: "global", Faction: faction, Cmd: "autosave"}
				if err := conn.WriteJSON(msg); err != nil {
					t.Errorf("send failed: %v", err)
					return
				}
			}
		}(int32(i+1), conn)
	}
	wg.Wait()

	want := readRelays(t, watcher, 2*perSender)
	for i, cmd := range want {
		if cmd.order != uint64(i+1) {
			t.Fatalf("relay %d carries order %d", i, cmd.order)
		}
	}
	for _, conn := range senders {
		got := readRelays(t, conn, 2*perSender)
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("sender saw %+v at %d, watcher saw %+v", got[i], i, want[i])
			}
		}
	}

	staged := inbox.Drain()
	if len(staged) != len(want) {
		t.Fatalf("expected %d staged envelopes, got %d", len(want), len(staged))
	}
	for i, d := range staged {
		env := d.Envelope
		if (relayedCommand{order: env.Seq, faction: int32(env.Faction), tick: env.TargetTick}) != want[i] {
			t.Fatalf("host staged %+v at %d, peers saw %+v", env, i, want[i])
		}
	}
}

func TestCeilingOnlyFromHostAndChecksumsForwarded(t *testing.T) {
	inbox := sim.NewInbox(8, 0, nil)
	checksums := &checksumRecorder{}
	srv, mem := newTestServer(t, inbox, checksums)
	host := dial(t, srv.URL, "host")
	readJSON(t, host)
	guest := dial(t, srv.URL, "guest")
	readJSON(t, guest)

	send(t, guest, proto.ClientMessage{Type: proto.TypeCeiling, Seq: 3, Tick: 40})
	reject := readJSON(t, guest)
	if reject["reason"] != proto.RejectNotHost {
		t.Fatalf("expected not_host rejection, got %v", reject)
	}

	sum := desync.Sum(sim.GeneratorSnapshot{Timeline: sim.GlobalRef, Tick: 4})
	send(t, guest, proto.ClientMessage{Type: proto.TypeChecksum, Tick: 4, Timeline: "global", Checksum: sum.Hex()})
	send(t, host, proto.ClientMessage{Type: proto.TypeCeiling, Tick: 40})
	send(t, host, proto.ClientMessage{Type: proto.TypeHeartbeat, SentAt: 7})
	beat := readJSON(t, host)
	if beat["type"] != proto.TypeHeartbeat || beat["clientTime"] != float64(7) {
		t.Fatalf("unexpected heartbeat %v", beat)
	}

	deadline := time.Now().Add(2 * time.Second)
	for checksums.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if checksums.count() != 1 {
		t.Fatalf("expected one forwarded checksum, got %d", checksums.count())
	}
	staged := inbox.Drain()
	if len(staged) != 1 || staged[0].Kind != sim.DeliverCeiling || staged[0].Ceiling != 40 {
		t.Fatalf("expected host ceiling to be staged, got %+v", staged)
	}
	if len(mem.EventsOfType(network.EventEnvelopeRejected)) != 1 {
		t.Fatalf("expected one rejection event")
	}
	if len(mem.EventsOfType(network.EventPeerConnected)) != 2 {
		t.Fatalf("expected two connection events")
	}
}
