package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"tgarchiver/pkg/logx"
)

// boltStore keeps one top-level bucket per channel key. Inside it, "seq"
// maps an append sequence to the encoded record and "ids" maps a message id
// to its sequence for the duplicate check.
type boltStore struct {
	db  *bbolt.DB
	log logx.Logger
}

var (
	bucketSeq = []byte("seq")
	bucketIDs = []byte("ids")
)

func openBolt(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	log.Info("bolt store ready", logx.String("path", path))
	return &boltStore{db: db, log: log}, nil
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func (s *boltStore) Append(ctx context.Context, key string, rec Record) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	added := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		seqB, err := root.CreateBucketIfNotExists(bucketSeq)
		if err != nil {
			return err
		}
		idsB, err := root.CreateBucketIfNotExists(bucketIDs)
		if err != nil {
			return err
		}

		idKey := u64(uint64(rec.ID))
		if idsB.Get(idKey) != nil {
			return nil
		}
		n, err := seqB.NextSequence()
		if err != nil {
			return err
		}
		v, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := seqB.Put(u64(n), v); err != nil {
			return err
		}
		if err := idsB.Put(idKey, u64(n)); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("append record %d to %s: %w", rec.ID, key, err)
	}
	return added, nil
}

func (s *boltStore) Records(ctx context.Context, key string) ([]Record, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []Record{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(key))
		if root == nil {
			return nil
		}
		seqB := root.Bucket(bucketSeq)
		if seqB == nil {
			return nil
		}
		return seqB.ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read records for %s: %w", key, err)
	}
	return out, nil
}

func (s *boltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
