// Package ringstore persists the counters that must keep growing across
// restarts of a node: the highest ring sequence the node has seen, the
// join-epoch counter and the stream incarnation.
package ringstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

const (
	keyHighRing    = "ring:high"
	keyIncarnation = "ring:incarnation"
	keyEpochSeq    = "seq:epoch"

	// epochBandwidth is how many join epochs are leased from badger at
	// once. Unused leases are skipped after a restart.
	epochBandwidth = 64
)

const (
	logKeyDir   = "dir"
	logKeyError = "error"
)

// Store is a small badger-backed counter store.
type Store struct { // A
	mu     sync.Mutex
	db     *badger.DB
	epochs *badger.Sequence
	log    *slog.Logger
}

// Open opens the store in dir. An empty dir keeps everything in memory,
// which is what tests and single-process clusters use.
func Open(dir string, logger *slog.Logger) (*Store, error) { // A
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(&badgerLogger{log: logger})
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ring store %q: %w", dir, err)
	}
	epochs, err := db.GetSequence([]byte(keyEpochSeq), epochBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open epoch sequence: %w", err)
	}
	logger.Debug("ring store opened", logKeyDir, dir)
	return &Store{db: db, epochs: epochs, log: logger}, nil
}

// Close releases leased sequence numbers and closes the database.
func (s *Store) Close() error { // A
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := s.epochs.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release epochs: %w", err))
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close db: %w", err))
	}
	return errors.Join(errs...)
}

// HighRing returns the highest ring sequence recorded.
func (s *Store) HighRing() (uint64, error) { // A
	s.mu.Lock()
	defer s.mu.Unlock()

	var v uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		v, err = readUint(txn, keyHighRing)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("read high ring: %w", err)
	}
	return v, nil
}

// RaiseHighRing records ring if it is higher than the stored value and
// returns the resulting value.
func (s *Store) RaiseHighRing(ring uint64) (uint64, error) { // A
	s.mu.Lock()
	defer s.mu.Unlock()

	var out uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		cur, err := readUint(txn, keyHighRing)
		if err != nil {
			return err
		}
		if ring <= cur {
			out = cur
			return nil
		}
		out = ring
		return writeUint(txn, keyHighRing, ring)
	})
	if err != nil {
		return 0, fmt.Errorf("raise high ring: %w", err)
	}
	return out, nil
}

// NextIncarnation bumps and returns the stream incarnation. It is called
// once per engine start.
func (s *Store) NextIncarnation() (uint64, error) { // A
	s.mu.Lock()
	defer s.mu.Unlock()

	var out uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		cur, err := readUint(txn, keyIncarnation)
		if err != nil {
			return err
		}
		out = cur + 1
		return writeUint(txn, keyIncarnation, out)
	})
	if err != nil {
		return 0, fmt.Errorf("bump incarnation: %w", err)
	}
	return out, nil
}

// NextEpoch returns a fresh join epoch, never zero.
func (s *Store) NextEpoch() (uint64, error) { // A
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.epochs.Next()
	if err != nil {
		return 0, fmt.Errorf("next epoch: %w", err)
	}
	return v + 1, nil
}

func readUint(txn *badger.Txn, key string) (uint64, error) { // A
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("key %s holds %d bytes", key, len(val))
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

func writeUint(txn *badger.Txn, key string, v uint64) error { // A
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return txn.Set([]byte(key), buf[:])
}

// badgerLogger routes badger's internal logging to slog. Info and debug
// chatter is demoted to debug.
type badgerLogger struct { // A
	log *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) { // A
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) { // A
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) { // A
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) { // A
	l.log.Debug(fmt.Sprintf(format, args...))
}

var _ badger.Logger = (*badgerLogger)(nil)
