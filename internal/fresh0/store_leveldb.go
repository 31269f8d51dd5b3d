package fresh0

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const levelRecordPrefix = "r:"

type levelBackend struct {
	db *leveldb.DB
}

func openLevelBackend(path string) (*levelBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &levelBackend{db: db}, nil
}

func (l *levelBackend) Get(_ context.Context, key string) ([]byte, error) {
	b, err := l.db.Get([]byte(levelRecordPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return b, err
}

func (l *levelBackend) Put(_ context.Context, key string, value []byte) error {
	return l.db.Put([]byte(levelRecordPrefix+key), value, nil)
}

func (l *levelBackend) Delete(_ context.Context, key string) error {
	return l.db.Delete([]byte(levelRecordPrefix+key), nil)
}

func (l *levelBackend) Count(ctx context.Context) (int, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(levelRecordPrefix)), nil)
	defer it.Release()

	n := 0
	for it.Next() {
		if n%1024 == 0 && ctx.Err() != nil {
			return n, ctx.Err()
		}
		n++
	}
	return n, it.Error()
}

func (l *levelBackend) Close() error {
	return l.db.Close()
}
