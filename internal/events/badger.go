package events

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	cerrors "github.com/tulipex/tulipcore/common/errors"
)

// Key layout: evt|<group>|<seq> holds events, seq|<group> the sequence
// counter, ack|<group> the last acknowledged position, ddk|<group>|<key>
// the dedupe window entries (TTL-expired by badger), dlq|<group>|<seq>
// the dead letter log.
const (
	prefixEvent  = "evt|"
	prefixSeq    = "seq|"
	prefixAck    = "ack|"
	prefixDedupe = "ddk|"
	prefixDLQ    = "dlq|"
)

// BadgerChannel is a disk-backed Channel. It survives restarts: consumers
// resume after the last acknowledged sequence, and the dedupe window is
// enforced with TTL entries.
type BadgerChannel struct {
	db           *badger.DB
	dedupeWindow time.Duration
	pollInterval time.Duration

	mu     sync.Mutex
	notify map[string]chan struct{}
}

// NewBadgerChannel opens (or creates) a BadgerChannel at path.
func NewBadgerChannel(path string, dedupeWindow time.Duration) (*BadgerChannel, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger event log: %w", err)
	}
	return &BadgerChannel{
		db:           db,
		dedupeWindow: dedupeWindow,
		pollInterval: 250 * time.Millisecond,
		notify:       make(map[string]chan struct{}),
	}, nil
}

func eventKey(group string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s|%020d", prefixEvent, group, seq))
}

func u64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func readU64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("expected 8-byte counter, got %d bytes", len(val))
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

func (c *BadgerChannel) notifyCh(group string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.notify[group]
	if !ok {
		ch = make(chan struct{}, 1)
		c.notify[group] = ch
	}
	return ch
}

func (c *BadgerChannel) Publish(ctx context.Context, groupKey string, ev Event) (uint64, error) {
	var assigned uint64
	err := c.db.Update(func(txn *badger.Txn) error {
		if ev.DedupeKey != "" {
			dk := []byte(prefixDedupe + groupKey + "|" + ev.DedupeKey)
			if item, err := txn.Get(dk); err == nil {
				return item.Value(func(val []byte) error {
					assigned = binary.BigEndian.Uint64(val)
					return nil
				})
			} else if err != badger.ErrKeyNotFound {
				return err
			}
		}

		seqKey := []byte(prefixSeq + groupKey)
		last, err := readU64(txn, seqKey)
		if err != nil {
			return err
		}
		assigned = last + 1
		ev.Sequence = assigned

		val, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := txn.Set(eventKey(groupKey, assigned), val); err != nil {
			return err
		}
		if err := txn.Set(seqKey, u64Bytes(assigned)); err != nil {
			return err
		}
		if ev.DedupeKey != "" {
			entry := badger.NewEntry(
				[]byte(prefixDedupe+groupKey+"|"+ev.DedupeKey),
				u64Bytes(assigned),
			).WithTTL(c.dedupeWindow)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, cerrors.Transient("publish event", err)
	}

	select {
	case c.notifyCh(groupKey) <- struct{}{}:
	default:
	}
	return assigned, nil
}

func (c *BadgerChannel) Consume(ctx context.Context, groupKey string) (<-chan Envelope, error) {
	var cursor uint64
	err := c.db.View(func(txn *badger.Txn) error {
		v, err := readU64(txn, []byte(prefixAck+groupKey))
		cursor = v
		return err
	})
	if err != nil {
		return nil, cerrors.Transient("read consumer position", err)
	}

	out := make(chan Envelope)
	notify := c.notifyCh(groupKey)
	go func() {
		defer close(out)
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			ev, ok, err := c.readEvent(groupKey, cursor+1)
			if err != nil {
				// Undecodable stored state halts the consumer stream; the
				// shard owner decides what to do with a dead channel.
				return
			}
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-notify:
				case <-ticker.C:
				}
				continue
			}

			seq := ev.Sequence
			env := Envelope{
				Event: ev,
				ack: func(ctx context.Context) error {
					return c.commit(groupKey, seq)
				},
			}
			select {
			case <-ctx.Done():
				return
			case out <- env:
				cursor = seq
			}
		}
	}()
	return out, nil
}

func (c *BadgerChannel) readEvent(groupKey string, seq uint64) (Event, bool, error) {
	var ev Event
	found := false
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(eventKey(groupKey, seq))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ev)
		})
	})
	return ev, found, err
}

func (c *BadgerChannel) commit(groupKey string, seq uint64) error {
	return c.db.Update(func(txn *badger.Txn) error {
		ackKey := []byte(prefixAck + groupKey)
		last, err := readU64(txn, ackKey)
		if err != nil {
			return err
		}
		if seq <= last {
			return nil
		}
		return txn.Set(ackKey, u64Bytes(seq))
	})
}

// Park stores a malformed event in the dead letter log.
func (c *BadgerChannel) Park(ctx context.Context, groupKey string, ev Event, reason string) error {
	parked := ParkedEvent{GroupKey: groupKey, Event: ev, Reason: reason, ParkedAt: time.Now().UTC()}
	val, err := json.Marshal(parked)
	if err != nil {
		return err
	}
	key := []byte(fmt.Sprintf("%s%s|%020d", prefixDLQ, groupKey, ev.Sequence))
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
	if err != nil {
		return cerrors.Transient("park dead letter", err)
	}
	return nil
}

func (c *BadgerChannel) Close() error {
	return c.db.Close()
}
