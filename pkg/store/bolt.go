package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"keel/internal/codec"
)

var stateBucket = []byte("state")

// boltRecord bbolt 中保存的值: 版本号 + 数据
type boltRecord struct {
	Version int64  `cbor:"version"`
	Value   []byte `cbor:"value"`
}

// BoltStore 单机部署时的 VariableStore, 每个 key 维护自增版本号
type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create state bucket")
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Fetch(ctx context.Context, key string) (*Variable, error) {
	v := &Variable{Key: key}
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, err := readRecord(tx.Bucket(stateBucket), key)
		if err != nil {
			return err
		}
		v.Value = rec.Value
		v.Version = rec.Version
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *BoltStore) Store(ctx context.Context, v *Variable) (*Variable, error) {
	out := &Variable{Key: v.Key, Value: v.Value}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(stateBucket)
		rec, err := readRecord(bucket, v.Key)
		if err != nil {
			return err
		}
		if rec.Version != v.Version {
			return errors.Wrapf(ErrConflict, "store %s at version %d (current %d)", v.Key, v.Version, rec.Version)
		}

		data, err := codec.Marshal(boltRecord{Version: rec.Version + 1, Value: v.Value})
		if err != nil {
			return errors.Wrapf(err, "encode %s", v.Key)
		}
		if err := bucket.Put([]byte(v.Key), data); err != nil {
			return errors.Wrapf(err, "put %s", v.Key)
		}
		out.Version = rec.Version + 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// readRecord key 不存在时返回零值记录
func readRecord(bucket *bbolt.Bucket, key string) (boltRecord, error) {
	var rec boltRecord
	if bucket == nil {
		return rec, errors.New("state bucket not found")
	}
	data := bucket.Get([]byte(key))
	if data == nil {
		return rec, nil
	}
	if err := codec.Unmarshal(data, &rec); err != nil {
		return rec, errors.Wrapf(err, "decode %s", key)
	}
	return rec, nil
}
