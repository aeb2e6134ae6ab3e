package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-hclog"
)

var ErrKeyNotFound = errors.New("key not found")

// abortError marks Update failures that must not be retried.
type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

type Store struct {
	db *badger.DB
}

type Options struct {
	Logger   hclog.Logger
	InMemory bool
}

func NewStore(dataDir string, opts Options) (*Store, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		bopts = badger.DefaultOptions(filepath.Join(dataDir, "badger"))
	}
	bopts.Logger = nil
	if opts.Logger != nil {
		bopts.Logger = &badgerLogger{l: opts.Logger}
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := getValue(txn, key)
		value = v
		return err
	})
	return value, err
}

func (s *Store) Set(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
			}
			return err
		}
		return txn.Delete([]byte(key))
	})
}

// Update runs a read-modify-write of one key inside a transaction. fn gets
// the current value and returns the replacement. Transaction conflicts are
// retried with backoff; any error from fn aborts immediately.
func (s *Store) Update(key string, fn func(current []byte) ([]byte, error)) error {
	op := func() error {
		err := s.db.Update(func(txn *badger.Txn) error {
			current, err := getValue(txn, key)
			if err != nil {
				return &abortError{err: err}
			}
			next, err := fn(current)
			if err != nil {
				return &abortError{err: err}
			}
			return txn.Set([]byte(key), next)
		})
		var abort *abortError
		if errors.As(err, &abort) {
			return backoff.Permanent(abort.err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return backoff.Retry(op, b)
}

// Scan calls fn with each key/value under prefix, in key order. Returning
// false from fn stops the scan.
func (s *Store) Scan(prefix string, fn func(key string, value []byte) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(string(item.Key()), value) {
				return nil
			}
		}
		return nil
	})
}

// DeleteWhere removes every key under prefix whose value matches.
func (s *Store) DeleteWhere(prefix string, match func(value []byte) bool) (int, error) {
	var n int
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		var doomed [][]byte
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			if match(value) {
				doomed = append(doomed, item.KeyCopy(nil))
			}
		}
		it.Close()
		for _, k := range doomed {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		n = len(doomed)
		return nil
	})
	return n, err
}

func getValue(txn *badger.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

type badgerLogger struct {
	l hclog.Logger
}

func (b *badgerLogger) Errorf(f string, v ...interface{})   { b.l.Error(fmt.Sprintf(f, v...)) }
func (b *badgerLogger) Warningf(f string, v ...interface{}) { b.l.Warn(fmt.Sprintf(f, v...)) }
func (b *badgerLogger) Infof(f string, v ...interface{})    { b.l.Debug(fmt.Sprintf(f, v...)) }
func (b *badgerLogger) Debugf(f string, v ...interface{})   { b.l.Trace(fmt.Sprintf(f, v...)) }
