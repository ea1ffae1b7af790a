package cluster

// DeliverFunc receives each record exactly once, in total order. A
// non-nil error aborts delivery and is treated as fatal by the node:
// a message that cannot be persisted must not be acknowledged as
// delivered.
type DeliverFunc func(Record) error

type deliveryKey struct {
	SeqNo SeqNo
	Term  Term
}

// Ordering holds the sequencing state shared by both roles: the
// highest contiguously delivered sequence number, the gap buffer for
// out-of-order arrivals and the dedup set. The leader additionally
// assigns new sequence numbers from the same lastSeq counter, which is
// what keeps numbering continuous across failovers.
type Ordering struct {
	Log Logger

	lastSeq SeqNo

	buffer    map[SeqNo]Record
	delivered map[deliveryKey]struct{}

	deliver DeliverFunc

	staleCount     int64
	duplicateCount int64
}

func NewOrdering(deliver DeliverFunc, logger Logger) *Ordering {
	return &Ordering{
		Log: logger,

		buffer:    make(map[SeqNo]Record),
		delivered: make(map[deliveryKey]struct{}),

		deliver: deliver,
	}
}

// LastSeq is the highest contiguously delivered sequence number. It
// never decreases.
func (o *Ordering) LastSeq() SeqNo {
	return o.lastSeq
}

func (o *Ordering) NextExpected() SeqNo {
	return o.lastSeq + 1
}

// SeedLastSeq initializes lastSeq from recovered storage. Every node
// seeds this on startup regardless of role: a follower promoted to
// leader without it would reassign an already used sequence number.
func (o *Ordering) SeedLastSeq(seq SeqNo) {
	if seq > o.lastSeq {
		o.lastSeq = seq
	}
}

// Assign stamps the next sequence number on a chat message. Leader
// only. The counter itself advances when the record goes through
// Receive, which the caller must do immediately; assignment and local
// delivery are a single step in the node's main loop.
func (o *Ordering) Assign(msgId string, origin NodeId, roomId, text string, term Term, ts float64) Record {
	seq := o.lastSeq + 1

	o.Log.Info("assigned seq %d to message %q", seq, msgId)

	return Record{
		SeqNo:    seq,
		Term:     term,
		SenderId: origin,
		MsgId:    msgId,
		RoomId:   roomId,
		Text:     text,
		Ts:       ts,
	}
}

// Receive runs a sequenced record through the delivery path: drop
// duplicates and stale records, deliver in contiguous order, buffer
// the rest. Returns the number of records delivered (the record itself
// plus any buffered successors drained behind it).
func (o *Ordering) Receive(record Record) (int, error) {
	key := deliveryKey{SeqNo: record.SeqNo, Term: record.Term}

	if _, found := o.delivered[key]; found {
		o.duplicateCount++
		o.Log.Debug(2, "ignoring duplicate seq %d term %d",
			record.SeqNo, record.Term)
		return 0, nil
	}

	switch {
	case record.SeqNo == o.lastSeq+1:
		if err := o.deliverRecord(record); err != nil {
			return 0, err
		}

		delivered, err := o.drainBuffer()
		return delivered + 1, err

	case record.SeqNo > o.lastSeq+1:
		if _, buffered := o.buffer[record.SeqNo]; !buffered {
			o.Log.Debug(1, "buffering out-of-order seq %d (expected %d)",
				record.SeqNo, o.lastSeq+1)
			o.buffer[record.SeqNo] = record
		}
		return 0, nil

	default:
		o.staleCount++
		o.Log.Debug(2, "ignoring stale seq %d (last %d)",
			record.SeqNo, o.lastSeq)
		return 0, nil
	}
}

func (o *Ordering) deliverRecord(record Record) error {
	if err := o.deliver(record); err != nil {
		return err
	}

	o.delivered[deliveryKey{SeqNo: record.SeqNo, Term: record.Term}] = struct{}{}
	o.lastSeq = record.SeqNo

	o.Log.Debug(1, "delivered seq %d from node %d",
		record.SeqNo, record.SenderId)

	return nil
}

func (o *Ordering) drainBuffer() (int, error) {
	delivered := 0

	for {
		record, found := o.buffer[o.lastSeq+1]
		if !found {
			break
		}

		delete(o.buffer, record.SeqNo)

		if err := o.deliverRecord(record); err != nil {
			return delivered, err
		}

		delivered++
	}

	o.pruneDelivered()

	return delivered, nil
}

// dedupWindow is how far below lastSeq delivered keys are retained.
// Older duplicates still get dropped, by the stale rule instead.
const dedupWindow = 1024

func (o *Ordering) pruneDelivered() {
	for key := range o.delivered {
		if key.SeqNo <= o.lastSeq-dedupWindow {
			delete(o.delivered, key)
		}
	}
}

func (o *Ordering) BufferedCount() int {
	return len(o.buffer)
}

func (o *Ordering) StaleCount() int64 {
	return o.staleCount
}

func (o *Ordering) DuplicateCount() int64 {
	return o.duplicateCount
}
