package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

var counterKey = []byte("ledger/highestMessageId")

// LevelStore keeps the counter in LevelDB. Updates run in a LevelDB
// transaction, which excludes every other write until it commits.
type LevelStore struct {
	db *leveldb.DB
}

// OpenLevelStore opens (or creates) a database directory.
func OpenLevelStore(path string, cache, handles int) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		BlockCacheCapacity:     cache * opt.MiB,
		OpenFilesCacheCapacity: handles,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: open leveldb %s: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

func NewLevelStore(db *leveldb.DB) *LevelStore {
	return &LevelStore{db: db}
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

func (s *LevelStore) Init(ctx context.Context) error {
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return err
	}
	defer tr.Discard()
	has, err := tr.Has(counterKey, nil)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	if err := tr.Put(counterKey, encodeCounter(0), nil); err != nil {
		return err
	}
	return tr.Commit()
}

func (s *LevelStore) Load(ctx context.Context) (uint64, error) {
	b, err := s.db.Get(counterKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, ErrNotDeployed
	}
	if err != nil {
		return 0, err
	}
	return decodeCounter(b)
}

func (s *LevelStore) Update(ctx context.Context, fn func(uint64) (uint64, error)) error {
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return err
	}
	defer tr.Discard()

	b, err := tr.Get(counterKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrNotDeployed
	}
	if err != nil {
		return err
	}
	current, err := decodeCounter(b)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if err := tr.Put(counterKey, encodeCounter(next), nil); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tr.Commit()
}

func encodeCounter(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeCounter(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("ledger: corrupt counter (%d bytes)", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
