package exchange

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// eventLog records engine events.
type eventLog struct {
	mu     sync.Mutex
	events []ExchangeEvent
}

func (l *eventLog) record(ev ExchangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofKind(kind EventKind) []ExchangeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ExchangeEvent
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type engineHarness struct {
	clock  *ManualClock
	start  time.Time
	sent   *recordingSend
	events *eventLog
	engine *ReliabilityEngine
}

func newEngineHarness(t *testing.T, random RandomSource) *engineHarness {
	t.Helper()
	clock := newTestClock()
	h := &engineHarness{
		clock:  clock,
		start:  clock.Now(),
		sent:   &recordingSend{clock: clock},
		events: &eventLog{},
	}
	h.engine = NewReliabilityEngine(ReliabilityEngineConfig{
		Scheduler:     clock,
		Random:        random,
		Send:          h.sent.send,
		OnEvent:       h.events.record,
		LoggerFactory: testLoggerFactory(),
	})
	t.Cleanup(h.engine.Close)
	return h
}

// offsets returns the send times relative to the harness start.
func (h *engineHarness) offsets() []time.Duration {
	var out []time.Duration
	for _, s := range h.sent.all() {
		out = append(out, s.at.Sub(h.start))
	}
	return out
}

func confirmableGet() *message.Message {
	req := message.NewRequest(message.Confirmable, codes.GET, "/x")
	req.Token = message.Token{0xCA, 0xFE}
	return req
}

func notification(typ message.Type, token message.Token, seq uint32, payload string) *message.Message {
	n := &message.Message{Type: typ, Code: codes.Content, Token: token, Payload: []byte(payload)}
	n.SetObserve(seq)
	return n
}

// TestRetransmissionSchedule checks send times at both ends of the jitter
// range against the cumulative windows [2,3), [6,9), [14,21) and [30,45)
// seconds after the initial transmission.
func TestRetransmissionSchedule(t *testing.T) {
	ms := time.Millisecond
	tests := []struct {
		name   string
		random float64
		want   []time.Duration
	}{
		{"minimum jitter", 0.0, []time.Duration{0, 2000 * ms, 6000 * ms, 14000 * ms, 30000 * ms}},
		{"maximum jitter", 0.9999, []time.Duration{0, 2900 * ms, 8800 * ms, 20700 * ms, 44600 * ms}},
	}

	windows := [][2]time.Duration{
		{2000 * ms, 3000 * ms},
		{6000 * ms, 9000 * ms},
		{14000 * ms, 21000 * ms},
		{30000 * ms, 45000 * ms},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newEngineHarness(t, fixedRandom{f: tc.random, u: 1})

			if _, err := h.engine.Send(confirmableGet(), serverAddr, nil); err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			h.clock.Advance(60 * time.Second)

			got := h.offsets()
			if len(got) != 1+MaxRetransmit {
				t.Fatalf("sent %d datagrams, want %d", len(got), 1+MaxRetransmit)
			}
			for i, want := range tc.want {
				if got[i] != want {
					t.Errorf("send #%d at %v, want %v", i, got[i], want)
				}
			}
			for i, w := range windows {
				if at := got[i+1]; at < w[0] || at >= w[1] {
					t.Errorf("retransmission %d at %v outside [%v, %v)", i+1, at, w[0], w[1])
				}
			}

			retrans := h.events.ofKind(EventRetransmission)
			if len(retrans) != MaxRetransmit {
				t.Fatalf("retransmission events = %d, want %d", len(retrans), MaxRetransmit)
			}
			for i, ev := range retrans {
				if ev.Retransmissions != i+1 {
					t.Errorf("event %d Retransmissions = %d, want %d", i, ev.Retransmissions, i+1)
				}
			}
		})
	}
}

func TestRetransmissionSameBytes(t *testing.T) {
	h := newEngineHarness(t, fixedRandom{u: 1})
	id, _ := h.engine.Send(confirmableGet(), serverAddr, nil)
	h.clock.Advance(60 * time.Second)

	for i, s := range h.sent.all() {
		msg, err := message.Decode(s.data)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if msg.MessageID != id {
			t.Errorf("send #%d MessageID = %d, want %d", i, msg.MessageID, id)
		}
		if s.peer != serverAddr {
			t.Errorf("send #%d peer = %s, want %s", i, s.peer, serverAddr)
		}
	}
}

func TestExhaustedExchangeRetiresOpen(t *testing.T) {
	h := newEngineHarness(t, fixedRandom{u: 1})
	id, _ := h.engine.Send(confirmableGet(), serverAddr, nil)

	h.clock.Advance(ExchangeLifetime - 100*time.Millisecond)
	if len(h.events.ofKind(EventRetired)) != 0 {
		t.Fatal("retired before the exchange lifetime")
	}
	if !h.engine.InFlight(serverAddr, id) {
		t.Fatal("exhausted exchange no longer tracked")
	}

	h.clock.Advance(100 * time.Millisecond)
	retired := h.events.ofKind(EventRetired)
	if len(retired) != 1 {
		t.Fatalf("retired events = %d, want 1", len(retired))
	}
	ev := retired[0]
	if !ev.Open || ev.MessageID != id || ev.Retransmissions != MaxRetransmit {
		t.Errorf("retired event = %+v, want open, id %d, %d retransmissions", ev, id, MaxRetransmit)
	}
	if h.engine.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d, want 0", h.engine.Outstanding())
	}
}

func TestAckStopsRetransmission(t *testing.T) {
	h := newEngineHarness(t, fixedRandom{u: 1})

	var bound uint16
	id, err := h.engine.Send(confirmableGet(), serverAddr, func(id uint16) { bound = id })
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if bound != id {
		t.Errorf("bind got %d, want %d", bound, id)
	}

	h.clock.Advance(2500 * time.Millisecond)
	ev, ok := h.engine.HandleAck(serverAddr, id)
	if !ok {
		t.Fatal("HandleAck() matched nothing")
	}
	if ev.Kind != EventEmptyAck || ev.Retransmissions != 1 {
		t.Errorf("HandleAck() event = %+v, want EmptyAck after 1 retransmission", ev)
	}
	if _, ok := h.engine.HandleAck(serverAddr, id); ok {
		t.Error("second HandleAck() matched")
	}

	h.clock.Advance(60 * time.Second)
	if n := len(h.sent.all()); n != 2 {
		t.Errorf("sent %d datagrams, want 2", n)
	}

	// The retirement of an acknowledged exchange is not open.
	h.clock.Advance(ExchangeLifetime)
	retired := h.events.ofKind(EventRetired)
	if len(retired) != 1 || retired[0].Open {
		t.Errorf("retired events = %+v, want one closed retirement", retired)
	}
}

func TestResetMatchesExchange(t *testing.T) {
	h := newEngineHarness(t, fixedRandom{u: 1})
	id, _ := h.engine.Send(confirmableGet(), serverAddr, nil)

	if _, ok := h.engine.HandleReset(clientAddr, id); ok {
		t.Error("HandleReset() from the wrong peer matched")
	}
	ev, ok := h.engine.HandleReset(serverAddr, id)
	if !ok || ev.Kind != EventReset {
		t.Fatalf("HandleReset() = %+v, %v; want Reset event", ev, ok)
	}
	if !ev.Token.Equal(message.Token{0xCA, 0xFE}) {
		t.Errorf("event token = %s, want cafe", ev.Token)
	}
}

func TestNonConfirmableNotRetransmitted(t *testing.T) {
	h := newEngineHarness(t, fixedRandom{u: 1})
	req := confirmableGet()
	req.Type = message.NonConfirmable
	id, _ := h.engine.Send(req, serverAddr, nil)

	h.clock.Advance(60 * time.Second)
	if n := len(h.sent.all()); n != 1 {
		t.Errorf("sent %d datagrams, want 1", n)
	}

	// Tracked until retirement so an RST can still be matched.
	if !h.engine.InFlight(serverAddr, id) {
		t.Error("NON exchange not tracked")
	}
}

func TestNotificationReplacedInFlight(t *testing.T) {
	h := newEngineHarness(t, fixedRandom{u: 100})
	token := message.Token{0x0B}

	id1, err := h.engine.Send(notification(message.Confirmable, token, 1, "first"), clientAddr, nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	h.clock.Advance(time.Second)
	id2, err := h.engine.Send(notification(message.Confirmable, token, 2, "second"), clientAddr, nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if id2 != id1 {
		t.Errorf("replacement got ID %d, want the in-flight ID %d", id2, id1)
	}
	if n := len(h.sent.all()); n != 1 {
		t.Fatalf("replacement was transmitted: %d datagrams", n)
	}

	// The original deadline is kept; the replacement goes out with a new ID.
	h.clock.Advance(time.Second)
	sent := h.sent.all()
	if len(sent) != 2 {
		t.Fatalf("sent %d datagrams, want 2", len(sent))
	}
	if at := sent[1].at.Sub(h.start); at != 2*time.Second {
		t.Errorf("retransmission at %v, want 2s", at)
	}
	msg, _ := message.Decode(sent[1].data)
	if string(msg.Payload) != "second" {
		t.Errorf("retransmitted payload = %q, want second", msg.Payload)
	}
	if msg.MessageID == id1 {
		t.Errorf("retransmission reused ID %d", id1)
	}
	if h.engine.InFlight(clientAddr, id1) || !h.engine.InFlight(clientAddr, msg.MessageID) {
		t.Error("exchange not moved to the new message ID")
	}
	if h.engine.Outstanding() != 1 {
		t.Errorf("Outstanding() = %d, want 1", h.engine.Outstanding())
	}

	if _, ok := h.engine.HandleAck(clientAddr, msg.MessageID); !ok {
		t.Error("HandleAck() of the new ID matched nothing")
	}

	// The old ID retires closed; the exchange moved away from it.
	h.clock.Advance(ExchangeLifetime)
	for _, ev := range h.events.ofKind(EventRetired) {
		if ev.Open {
			t.Errorf("unexpected open retirement %+v", ev)
		}
	}
}

func TestNonConfirmableNotificationNotReplaced(t *testing.T) {
	h := newEngineHarness(t, fixedRandom{u: 100})
	token := message.Token{0x0C}

	id1, _ := h.engine.Send(notification(message.NonConfirmable, token, 1, "a"), clientAddr, nil)
	id2, _ := h.engine.Send(notification(message.NonConfirmable, token, 2, "b"), clientAddr, nil)
	if id1 == id2 {
		t.Error("NON notifications share a message ID")
	}
	if n := len(h.sent.all()); n != 2 {
		t.Errorf("sent %d datagrams, want 2", n)
	}
}

func TestAckOfReplacedNotificationSendsReplacement(t *testing.T) {
	h := newEngineHarness(t, fixedRandom{u: 100})
	token := message.Token{0x0D}

	id1, _ := h.engine.Send(notification(message.Confirmable, token, 1, "first"), clientAddr, nil)
	h.clock.Advance(500 * time.Millisecond)
	h.engine.Send(notification(message.Confirmable, token, 2, "second"), clientAddr, nil)

	ev, ok := h.engine.HandleAck(clientAddr, id1)
	if !ok || ev.Kind != EventEmptyAck {
		t.Fatalf("HandleAck() = %+v, %v", ev, ok)
	}

	sent := h.sent.all()
	if len(sent) != 2 {
		t.Fatalf("sent %d datagrams, want the replacement right after the ACK", len(sent))
	}
	msg, _ := message.Decode(sent[1].data)
	if string(msg.Payload) != "second" || msg.Type != message.Confirmable {
		t.Errorf("replacement = %s %q, want CON second", msg.Type, msg.Payload)
	}
	if msg.MessageID == id1 {
		t.Errorf("replacement reused the acknowledged ID %d", id1)
	}
	if h.engine.Outstanding() != 1 || !h.engine.InFlight(clientAddr, msg.MessageID) {
		t.Fatal("replacement not tracked under its new ID")
	}

	// The replacement runs its own retransmission train.
	h.clock.Advance(3 * time.Second)
	sent = h.sent.all()
	if len(sent) != 3 {
		t.Fatalf("sent %d datagrams, want a retransmission of the replacement", len(sent))
	}
	if !bytes.Equal(sent[2].data, sent[1].data) {
		t.Error("retransmission differs from the replacement")
	}

	if _, ok := h.engine.HandleAck(clientAddr, msg.MessageID); !ok {
		t.Error("HandleAck() of the replacement matched nothing")
	}
	if h.engine.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d, want 0", h.engine.Outstanding())
	}
}

func TestResetOfReplacedNotificationEndsIt(t *testing.T) {
	h := newEngineHarness(t, fixedRandom{u: 100})
	token := message.Token{0x0E}

	id1, _ := h.engine.Send(notification(message.Confirmable, token, 1, "first"), clientAddr, nil)
	h.engine.Send(notification(message.Confirmable, token, 2, "second"), clientAddr, nil)

	if _, ok := h.engine.HandleReset(clientAddr, id1); !ok {
		t.Fatal("HandleReset() matched nothing")
	}
	if h.engine.Outstanding() != 0 || len(h.sent.all()) != 1 {
		t.Error("rejected notification was resent")
	}
}

func TestNonConfirmableUpdateRidesConfirmableTrain(t *testing.T) {
	h := newEngineHarness(t, fixedRandom{u: 100})
	token := message.Token{0x0F}

	id1, _ := h.engine.Send(notification(message.Confirmable, token, 1, "old"), clientAddr, nil)
	id2, err := h.engine.Send(notification(message.NonConfirmable, token, 2, "new"), clientAddr, nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if id2 != id1 {
		t.Errorf("NON update got ID %d, want the in-flight ID %d", id2, id1)
	}
	if n := len(h.sent.all()); n != 1 {
		t.Fatalf("NON update was transmitted on its own: %d datagrams", n)
	}
	if h.engine.Outstanding() != 1 {
		t.Errorf("Outstanding() = %d, want 1", h.engine.Outstanding())
	}

	h.clock.Advance(2 * time.Second)
	sent := h.sent.all()
	if len(sent) != 2 {
		t.Fatalf("sent %d datagrams, want 2", len(sent))
	}
	msg, _ := message.Decode(sent[1].data)
	if string(msg.Payload) != "new" || msg.Type != message.Confirmable {
		t.Errorf("retransmission = %s %q, want CON new", msg.Type, msg.Payload)
	}
	if seq, ok := msg.Observe(); !ok || seq != 2 {
		t.Errorf("retransmission Observe = %d, %v, want 2", seq, ok)
	}
}

func TestRetiredEventCarriesConfirmable(t *testing.T) {
	h := newEngineHarness(t, fixedRandom{u: 100})

	h.engine.Send(notification(message.NonConfirmable, message.Token{0x10}, 1, "n"), clientAddr, nil)
	h.clock.Advance(ExchangeLifetime + time.Second)

	retired := h.events.ofKind(EventRetired)
	if len(retired) != 1 {
		t.Fatalf("retired events = %d, want 1", len(retired))
	}
	if ev := retired[0]; !ev.Open || ev.Confirmable || !ev.Notification {
		t.Errorf("retired event = %+v, want an open NON notification", ev)
	}
}

func TestSendEncodingFailureReleasesID(t *testing.T) {
	h := newEngineHarness(t, fixedRandom{u: 1})
	req := confirmableGet()
	req.Payload = make([]byte, message.MaxUDPMessageSize)

	_, err := h.engine.Send(req, serverAddr, nil)
	if !errors.Is(err, ErrEncodingFailed) {
		t.Fatalf("Send() error = %v, want ErrEncodingFailed", err)
	}
	if h.engine.MessageIDs().Count(serverAddr) != 0 {
		t.Error("message ID not released after encoding failure")
	}
	if len(h.sent.all()) != 0 {
		t.Error("undecodable message was sent")
	}
}

func TestEngineClose(t *testing.T) {
	h := newEngineHarness(t, fixedRandom{u: 1})
	h.engine.Send(confirmableGet(), serverAddr, nil)
	h.engine.Close()

	h.clock.Advance(ExchangeLifetime)
	if n := len(h.sent.all()); n != 1 {
		t.Errorf("sent %d datagrams after Close, want 1", n)
	}
	if n := len(h.events.events); n != 0 {
		t.Errorf("%d events after Close, want 0", n)
	}
	if _, err := h.engine.Send(confirmableGet(), serverAddr, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Close error = %v, want ErrClosed", err)
	}
}
