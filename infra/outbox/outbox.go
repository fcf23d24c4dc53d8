// Package outbox stores committed ledger events until they have been
// published. It is backed by pebble so an event recorded before a crash is
// still delivered after restart.
package outbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"carledger/domain/inventory"
	"carledger/infra/sequence"
)

// -------------------- State --------------------

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// -------------------- Entry --------------------

type Entry struct {
	Seq         uint64
	State       State
	Retries     uint32
	LastAttempt int64
	Key         []byte
	Payload     []byte
}

// binary encoding: [state:1][retries:4][lastAttempt:8][keyLen:2][key][payload]
const entryHeaderSize = 1 + 4 + 8 + 2

func encodeEntry(e Entry) []byte {
	buf := make([]byte, entryHeaderSize+len(e.Key)+len(e.Payload))
	buf[0] = byte(e.State)
	binary.BigEndian.PutUint32(buf[1:5], e.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(e.LastAttempt))
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(e.Key)))
	copy(buf[entryHeaderSize:], e.Key)
	copy(buf[entryHeaderSize+len(e.Key):], e.Payload)
	return buf
}

func decodeEntry(seq uint64, b []byte) (Entry, error) {
	if len(b) < entryHeaderSize {
		return Entry{}, errors.New("invalid outbox entry length")
	}
	keyLen := int(binary.BigEndian.Uint16(b[13:15]))
	if len(b) < entryHeaderSize+keyLen {
		return Entry{}, errors.New("outbox entry key overruns value")
	}
	rest := b[entryHeaderSize:]
	return Entry{
		Seq:         seq,
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Key:         append([]byte(nil), rest[:keyLen]...),
		Payload:     append([]byte(nil), rest[keyLen:]...),
	}, nil
}

// -------------------- Outbox --------------------

type Outbox struct {
	db  *pebble.DB
	seq *sequence.Sequencer
}

func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open outbox %s", dir)
	}
	o := &Outbox{db: db, seq: sequence.New(0)}

	last, err := o.LastSeq()
	if err != nil {
		db.Close()
		return nil, err
	}
	o.seq.Advance(last)
	return o, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Record stores a committed ledger event as a NEW entry.
func (o *Outbox) Record(_ context.Context, ev inventory.Event) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	_, err = o.Put([]byte(ev.Key), payload)
	return err
}

// Put inserts a NEW entry and returns its sequence number.
func (o *Outbox) Put(key, payload []byte) (uint64, error) {
	seq := o.seq.Next()
	e := Entry{State: StateNew, Key: key, Payload: payload}
	if err := o.db.Set(keyFor(seq), encodeEntry(e), pebble.Sync); err != nil {
		return 0, errors.Wrapf(err, "put outbox entry %d", seq)
	}
	return seq, nil
}

// UpdateState updates state after send / ack / failure.
func (o *Outbox) UpdateState(seq uint64, state State, retries uint32) error {
	e, err := o.Get(seq)
	if err != nil {
		return err
	}
	e.State = state
	e.Retries = retries
	e.LastAttempt = time.Now().UnixNano()
	return o.db.Set(keyFor(seq), encodeEntry(e), pebble.Sync)
}

func (o *Outbox) Delete(seq uint64) error {
	return o.db.Delete(keyFor(seq), pebble.Sync)
}

func (o *Outbox) Get(seq uint64) (Entry, error) {
	val, closer, err := o.db.Get(keyFor(seq))
	if err != nil {
		return Entry{}, errors.Wrapf(err, "get outbox entry %d", seq)
	}
	defer closer.Close()
	return decodeEntry(seq, val)
}

// -------------------- Scan --------------------

// ScanByState calls fn for every entry in state, oldest first.
func (o *Outbox) ScanByState(state State, fn func(Entry) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		e, err := decodeEntry(seq, iter.Value())
		if err != nil {
			return err
		}
		if e.State != state {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}

// PruneAcked deletes every ACKED entry and returns how many were removed.
func (o *Outbox) PruneAcked() (int, error) {
	b := o.db.NewBatch()
	defer b.Close()

	n := 0
	err := o.ScanByState(StateAcked, func(e Entry) error {
		n++
		return b.Delete(keyFor(e.Seq), nil)
	})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, errors.Wrap(err, "prune acked outbox entries")
	}
	return n, nil
}

// LastSeq returns the highest sequence number stored, or 0.
func (o *Outbox) LastSeq() (uint64, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}

// -------------------- Payload --------------------

// EncodeEvent renders an event as a protobuf Struct.
func EncodeEvent(ev inventory.Event) ([]byte, error) {
	fields := make(map[string]any, len(ev.Attributes)+4)
	for k, v := range ev.Attributes {
		fields[k] = v
	}
	fields["event_id"] = uuid.NewString()
	fields["type"] = string(ev.Type)
	fields["key"] = ev.Key
	fields["at"] = ev.At.UTC().Format(time.RFC3339Nano)

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s event", ev.Type)
	}
	return proto.Marshal(st)
}

// DecodeEvent is the inverse of EncodeEvent, returning the raw field map.
func DecodeEvent(payload []byte) (map[string]any, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(payload, &st); err != nil {
		return nil, errors.Wrap(err, "decode event")
	}
	return st.AsMap(), nil
}

// -------------------- Helpers --------------------

const keyPrefix = "event/"

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}

func parseKey(b []byte) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte(keyPrefix))), "%d", &seq)
	return seq, err
}
