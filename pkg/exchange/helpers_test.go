package exchange

import (
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// fixedRandom returns constant values for deterministic jitter and seeding.
type fixedRandom struct {
	f float64
	u uint32
}

func (r fixedRandom) Float64() float64 { return r.f }
func (r fixedRandom) Uint32() uint32   { return r.u }

var (
	clientAddr = transport.MustPeerAddress("192.0.2.1:5683")
	serverAddr = transport.MustPeerAddress("192.0.2.2:5683")
)

func testLoggerFactory() logging.LoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = logging.LogLevelWarn
	return f
}

func newTestClock() *ManualClock {
	return NewManualClock(time.Unix(1700000000, 0))
}

// sentDatagram is a datagram captured by recordingSend.
type sentDatagram struct {
	at   time.Time
	data []byte
	peer transport.PeerAddress
	typ  message.Type
}

// recordingSend captures datagrams with the scheduler time they were sent at.
type recordingSend struct {
	clock Scheduler

	mu   sync.Mutex
	sent []sentDatagram
}

func (r *recordingSend) send(data []byte, peer transport.PeerAddress, typ message.Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentDatagram{
		at:   r.clock.Now(),
		data: append([]byte(nil), data...),
		peer: peer,
		typ:  typ,
	})
	return nil
}

func (r *recordingSend) all() []sentDatagram {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentDatagram(nil), r.sent...)
}

// recordingHandler implements every optional handler capability except
// ObservationHandler.
type recordingHandler struct {
	mu               sync.Mutex
	responses        []*message.Message
	resets           int
	emptyAcks        int
	timeouts         int
	noTokens         int
	noMessageIDs     []time.Duration
	encodingFailures []error
	retransmissions  []int
	done             chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{}, 16)}
}

func (h *recordingHandler) signal() {
	select {
	case h.done <- struct{}{}:
	default:
	}
}

func (h *recordingHandler) HandleResponse(resp *message.Message, peer transport.PeerAddress) {
	h.mu.Lock()
	h.responses = append(h.responses, resp)
	h.mu.Unlock()
	h.signal()
}

func (h *recordingHandler) HandleReset() {
	h.mu.Lock()
	h.resets++
	h.mu.Unlock()
	h.signal()
}

func (h *recordingHandler) HandleEmptyAck() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emptyAcks++
}

func (h *recordingHandler) HandleTransmissionTimeout() {
	h.mu.Lock()
	h.timeouts++
	h.mu.Unlock()
	h.signal()
}

func (h *recordingHandler) HandleRetransmission(count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retransmissions = append(h.retransmissions, count)
}

func (h *recordingHandler) HandleNoToken() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.noTokens++
}

func (h *recordingHandler) HandleNoMessageID(retryAfter time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.noMessageIDs = append(h.noMessageIDs, retryAfter)
}

func (h *recordingHandler) HandleEncodingFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.encodingFailures = append(h.encodingFailures, err)
}

func (h *recordingHandler) responseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.responses)
}

// handlerSnapshot is a copy of the counters of a recordingHandler.
type handlerSnapshot struct {
	responses        []*message.Message
	resets           int
	emptyAcks        int
	timeouts         int
	noTokens         int
	noMessageIDs     []time.Duration
	encodingFailures []error
	retransmissions  []int
}

func (h *recordingHandler) snapshot() handlerSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return handlerSnapshot{
		responses:        append([]*message.Message(nil), h.responses...),
		resets:           h.resets,
		emptyAcks:        h.emptyAcks,
		timeouts:         h.timeouts,
		noTokens:         h.noTokens,
		noMessageIDs:     append([]time.Duration(nil), h.noMessageIDs...),
		encodingFailures: append([]error(nil), h.encodingFailures...),
		retransmissions:  append([]int(nil), h.retransmissions...),
	}
}

// observingHandler continues an observation for a fixed number of
// notifications.
type observingHandler struct {
	*recordingHandler

	mu        sync.Mutex
	remaining int
}

func newObservingHandler(notifications int) *observingHandler {
	return &observingHandler{recordingHandler: newRecordingHandler(), remaining: notifications}
}

func (h *observingHandler) ContinueObservation() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remaining--
	return h.remaining > 0
}

// responseOnly implements nothing beyond ResponseHandler.
type responseOnly struct {
	mu    sync.Mutex
	count int
}

func (h *responseOnly) HandleResponse(*message.Message, transport.PeerAddress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
}

func countType(msgs []*message.Message, typ message.Type, empty bool) int {
	n := 0
	for _, m := range msgs {
		if m.Type == typ && m.IsEmpty() == empty {
			n++
		}
	}
	return n
}
