package raft

import (
	"encoding/binary"

	"go.etcd.io/bbolt"
)

// boltStable persists current_term and voted_for as single keys with
// atomic updates in the external ordered KV (spec §6 "Durable Raft state").
type boltStable struct {
	db     *bbolt.DB
	bucket []byte
}

var (
	keyCurrentTerm = []byte("current_term")
	keyVotedFor    = []byte("voted_for")
)

// NewBoltStable opens (creating if absent) the bucket used for Raft's
// durable term/vote state in an already-open bbolt database.
func NewBoltStable(db *bbolt.DB, bucket string) (Stable, error) {
	b := []byte(bucket)
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &boltStable{db: db, bucket: b}, nil
}

func (s *boltStable) SetCurrentTerm(term uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], term)
		return tx.Bucket(s.bucket).Put(keyCurrentTerm, buf[:])
	})
}

func (s *boltStable) CurrentTerm() (uint64, error) {
	var term uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(s.bucket).Get(keyCurrentTerm)
		if len(v) == 8 {
			term = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return term, err
}

func (s *boltStable) SetVotedFor(id NodeId) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(id))
		return tx.Bucket(s.bucket).Put(keyVotedFor, buf[:])
	})
}

func (s *boltStable) ClearVotedFor() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete(keyVotedFor)
	})
}

func (s *boltStable) VotedFor() (NodeId, bool, error) {
	var (
		id NodeId
		ok bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(s.bucket).Get(keyVotedFor)
		if len(v) == 8 {
			id = NodeId(binary.BigEndian.Uint64(v))
			ok = true
		}
		return nil
	})
	return id, ok, err
}
