// Package journal is a broker that keeps destinations and messages in a
// Pebble database so they survive restarts.
//
// Keys:
//
//	d/<name>                destination marker
//	m/<name>/<seq:016x>     message, value is a big-endian format followed by the payload
package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ericogr/amqp-plug/pkg/amqp"
)

// FsyncMode selects when the WAL is synced.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs on every committed batch.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble group WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to Pebble.
	FsyncModeNever
)

// ParseFsyncMode accepts "always", "interval" and "never".
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "", "interval":
		return FsyncModeInterval, nil
	case "always":
		return FsyncModeAlways, nil
	case "never":
		return FsyncModeNever, nil
	}
	return FsyncModeUnspecified, fmt.Errorf("unknown fsync mode %q", s)
}

// Options configures the journal.
type Options struct {
	// DataDir is the Pebble directory. Required.
	DataDir       string
	Fsync         FsyncMode
	FsyncInterval time.Duration
	// PebbleOptions allows tuning Pebble. Nil uses defaults.
	PebbleOptions *pebble.Options
}

// Broker is an amqp.Broker backed by Pebble.
type Broker struct {
	db        *pebble.DB
	writeSync bool

	// mu serializes sequence assignment and the read-then-delete of Fetch.
	mu   sync.Mutex
	seqs map[string]uint64
	temp uint64
}

// Open creates or opens the journal in opts.DataDir.
func Open(opts Options) (*Broker, error) {
	if opts.DataDir == "" {
		return nil, errors.New("journal: Options.DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	default:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		interval := opts.FsyncInterval
		po.WALMinSyncInterval = func() time.Duration { return interval }
	}
	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}
	b := &Broker{db: db, writeSync: opts.Fsync == FsyncModeAlways, seqs: map[string]uint64{}}
	if err := b.purgeTemporary(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// Close closes the database.
func (b *Broker) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func destKey(name string) []byte { return []byte("d/" + name) }

func msgPrefix(name string) []byte { return []byte("m/" + name + "/") }

func msgKey(name string, seq uint64) []byte {
	return append(msgPrefix(name), fmt.Sprintf("%016x", seq)...)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (b *Broker) syncMode() *pebble.WriteOptions {
	if b.writeSync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (b *Broker) commit(batch *pebble.Batch) error {
	return batch.Commit(b.syncMode())
}

// Declare creates a destination if it does not exist yet.
func (b *Broker) Declare(name string) error {
	if name == "" {
		return errors.New("destination name is empty")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("destination name %q contains '/'", name)
	}
	return b.db.Set(destKey(name), nil, b.syncMode())
}

// Delete removes a destination and every message it holds.
func (b *Broker) Delete(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleteLocked(name)
}

func (b *Broker) deleteLocked(name string) error {
	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(destKey(name), nil); err != nil {
		return err
	}
	p := msgPrefix(name)
	if err := batch.DeleteRange(p, prefixEnd(p), nil); err != nil {
		return err
	}
	if err := b.commit(batch); err != nil {
		return err
	}
	delete(b.seqs, name)
	return nil
}

// Destinations returns the names of every destination in key order.
func (b *Broker) Destinations() ([]string, error) {
	iter, err := b.db.NewIter(&pebble.IterOptions{LowerBound: []byte("d/"), UpperBound: prefixEnd([]byte("d/"))})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var names []string
	for iter.First(); iter.Valid(); iter.Next() {
		names = append(names, string(iter.Key()[2:]))
	}
	return names, iter.Error()
}

// Depth returns the number of messages stored for name.
func (b *Broker) Depth(name string) (int, error) {
	p := msgPrefix(name)
	iter, err := b.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: prefixEnd(p)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

func (b *Broker) exists(name string) (bool, error) {
	_, closer, err := b.db.Get(destKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// nextSeq returns the next sequence number for name. Callers hold mu.
func (b *Broker) nextSeq(name string) (uint64, error) {
	seq, ok := b.seqs[name]
	if !ok {
		p := msgPrefix(name)
		iter, err := b.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: prefixEnd(p)})
		if err != nil {
			return 0, err
		}
		if iter.Last() {
			last, perr := strconv.ParseUint(string(iter.Key()[len(p):]), 16, 64)
			if perr != nil {
				iter.Close()
				return 0, fmt.Errorf("corrupt message key %q: %w", iter.Key(), perr)
			}
			seq = last
		}
		if err := iter.Close(); err != nil {
			return 0, err
		}
	}
	seq++
	b.seqs[name] = seq
	return seq, nil
}

const tempPrefix = "tmp."

// purgeTemporary removes temporary destinations left by a previous process.
func (b *Broker) purgeTemporary() error {
	names, err := b.Destinations()
	if err != nil {
		return err
	}
	for _, n := range names {
		if strings.HasPrefix(n, tempPrefix) {
			if err := b.deleteLocked(n); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Broker) NewSession(ctx context.Context) (amqp.BrokerSession, error) {
	return &session{b: b}, nil
}

type session struct {
	b    *Broker
	mu   sync.Mutex
	temp []string
}

func (s *session) CreateTemporaryDestination(ctx context.Context) (string, error) {
	s.b.mu.Lock()
	s.b.temp++
	name := fmt.Sprintf("%s%d", tempPrefix, s.b.temp)
	s.b.mu.Unlock()
	if err := s.b.Declare(name); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.temp = append(s.temp, name)
	s.mu.Unlock()
	return name, nil
}

func (s *session) DestinationExists(ctx context.Context, name string) (bool, error) {
	return s.b.exists(name)
}

func (s *session) AdmitMessage(ctx context.Context, address string, format uint32, payload []byte) error {
	ok, err := s.b.exists(address)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", amqp.ErrAddressDoesNotExist, address)
	}
	value := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(value, format)
	copy(value[4:], payload)

	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	seq, err := s.b.nextSeq(address)
	if err != nil {
		return err
	}
	return s.b.db.Set(msgKey(address, seq), value, s.b.syncMode())
}

// Fetch implements amqp.MessageSource. It removes the oldest message.
func (s *session) Fetch(ctx context.Context, address string) (amqp.Message, bool, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	p := msgPrefix(address)
	iter, err := s.b.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: prefixEnd(p)})
	if err != nil {
		return amqp.Message{}, false, err
	}
	if !iter.First() {
		return amqp.Message{}, false, iter.Close()
	}
	key := append([]byte(nil), iter.Key()...)
	value := append([]byte(nil), iter.Value()...)
	if err := iter.Close(); err != nil {
		return amqp.Message{}, false, err
	}
	if len(value) < 4 {
		return amqp.Message{}, false, fmt.Errorf("corrupt message %q", key)
	}
	if err := s.b.db.Delete(key, s.b.syncMode()); err != nil {
		return amqp.Message{}, false, err
	}
	return amqp.Message{Format: binary.BigEndian.Uint32(value), Payload: value[4:]}, true, nil
}

// Close removes the temporary destinations of the session.
func (s *session) Close() error {
	s.mu.Lock()
	temp := s.temp
	s.temp = nil
	s.mu.Unlock()
	var errs []error
	for _, name := range temp {
		if err := s.b.Delete(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
