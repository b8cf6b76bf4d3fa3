package transfer

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var resumeBucket = []byte("transfers")

// BoltStore persists resume state in a bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open resume store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resumeBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init resume store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(cid string) (*ResumeState, error) {
	var st *ResumeState
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(resumeBucket).Get([]byte(cid))
		if v == nil {
			return ErrNotFound
		}
		st = new(ResumeState)
		return decMode.Unmarshal(v, st)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *BoltStore) Save(st *ResumeState) error {
	v, err := encMode.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode resume state: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resumeBucket).Put([]byte(st.CID), v)
	})
}

func (s *BoltStore) Delete(cid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resumeBucket).Delete([]byte(cid))
	})
}

func (s *BoltStore) List() ([]*ResumeState, error) {
	var out []*ResumeState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(resumeBucket).ForEach(func(_, v []byte) error {
			st := new(ResumeState)
			if err := decMode.Unmarshal(v, st); err != nil {
				return err
			}
			out = append(out, st)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
