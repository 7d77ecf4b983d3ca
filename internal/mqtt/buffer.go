package mqtt

import "go.uber.org/zap"

// pendingMsg is a serialized message waiting for the broker.
type pendingMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox holds messages while the broker is unreachable.
//
// Relay events go into a fixed-capacity ring that drops the oldest entry
// when full. Retained messages are kept per topic, newest only: the broker
// would replace an older retained status anyway, so a SHUTDOWN queued after
// a STARTUP simply supersedes it.
//
// Not safe for concurrent use; RealClient holds its mutex.
type outbox struct {
	log      *zap.Logger
	ring     []pendingMsg
	head     int // next write position
	count    int
	dropped  int // ring entries overwritten since the last drain
	retained map[string]pendingMsg
	order    []string // retained topics in first-queued order
}

func newOutbox(capacity int, log *zap.Logger) *outbox {
	return &outbox{
		log:      log,
		ring:     make([]pendingMsg, capacity),
		retained: make(map[string]pendingMsg),
	}
}

func (o *outbox) push(m pendingMsg) {
	if m.retained {
		if _, ok := o.retained[m.topic]; !ok {
			o.order = append(o.order, m.topic)
		}
		o.retained[m.topic] = m
		return
	}

	capacity := len(o.ring)
	if o.count == capacity {
		if o.dropped == 0 {
			o.log.Warn("mqtt outbox full, dropping oldest events", zap.Int("capacity", capacity))
		}
		o.dropped++
		o.ring[o.head] = m
		o.head = (o.head + 1) % capacity
		return
	}
	o.ring[o.head] = m
	o.head = (o.head + 1) % capacity
	o.count++
}

// drain empties the outbox. Retained messages come first so the broker's
// status topic is current before the event backlog is replayed.
func (o *outbox) drain() []pendingMsg {
	if o.len() == 0 {
		return nil
	}

	out := make([]pendingMsg, 0, o.len())
	for _, topic := range o.order {
		out = append(out, o.retained[topic])
	}

	capacity := len(o.ring)
	start := (o.head - o.count + capacity) % capacity
	for i := 0; i < o.count; i++ {
		out = append(out, o.ring[(start+i)%capacity])
	}

	if o.dropped > 0 {
		o.log.Warn("events lost while disconnected", zap.Int("dropped", o.dropped))
	}

	o.head, o.count, o.dropped = 0, 0, 0
	o.order = o.order[:0]
	clear(o.retained)
	return out
}

func (o *outbox) len() int {
	return o.count + len(o.order)
}
