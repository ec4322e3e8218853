package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore keeps turns on local disk so a restarted process resumes its
// conversations. Keys are turn/<session>/<seq> with a zero-padded sequence,
// so a prefix scan returns turns in insertion order.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func turnPrefix(session string) []byte {
	return []byte("turn/" + url.PathEscape(session) + "/")
}

func seqKey(session string) []byte {
	return []byte("seq/" + url.PathEscape(session))
}

func (s *BadgerStore) Load(_ context.Context, session string) ([]Turn, error) {
	var turns []Turn
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = turnPrefix(session)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var turn Turn
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &turn)
			}); err != nil {
				return fmt.Errorf("decode turn %s: %w", it.Item().Key(), err)
			}
			turns = append(turns, turn)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", session, err)
	}
	return turns, nil
}

func (s *BadgerStore) Append(_ context.Context, session string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		next, err := readSeq(txn, seqKey(session))
		if err != nil {
			return err
		}
		prefix := turnPrefix(session)
		for _, turn := range turns {
			value, err := json.Marshal(turn)
			if err != nil {
				return fmt.Errorf("encode turn: %w", err)
			}
			key := append(append([]byte(nil), prefix...), fmt.Sprintf("%020d", next)...)
			if err := txn.Set(key, value); err != nil {
				return err
			}
			next++
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return txn.Set(seqKey(session), buf)
	})
	if err != nil {
		return fmt.Errorf("append to session %s: %w", session, err)
	}
	return nil
}

func readSeq(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	var seq uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt sequence value of %d bytes", len(val))
		}
		seq = binary.BigEndian.Uint64(val)
		return nil
	})
	return seq, err
}

var _ Store = (*BadgerStore)(nil)
