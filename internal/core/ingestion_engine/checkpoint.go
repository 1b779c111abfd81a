package ingestion_engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

var bucketWindows = []byte("embedding_windows")

// CheckpointStore keeps the vectors of finished embedding windows on disk so a
// retried ingestion of the same content does not pay for them twice.
type CheckpointStore struct {
	db *bbolt.DB
}

func OpenCheckpointStore(path string) (*CheckpointStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWindows)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init checkpoint store: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

// Get returns the vectors stored under key, if any.
func (s *CheckpointStore) Get(key string) ([][]float32, bool, error) {
	var vecs [][]float32
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWindows).Get([]byte(key))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &vecs)
	})
	if err != nil {
		return nil, false, fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	return vecs, vecs != nil, nil
}

func (s *CheckpointStore) Put(key string, vecs [][]float32) error {
	data, err := json.Marshal(vecs)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWindows).Put([]byte(key), data)
	})
}

// Delete drops windows once their rows are committed.
func (s *CheckpointStore) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWindows)
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len is the number of stored windows.
func (s *CheckpointStore) Len() int {
	n := 0
	_ = s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketWindows).Stats().KeyN
		return nil
	})
	return n
}

func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

// windowKey fingerprints a window by its chatbot, its source and the exact texts.
func windowKey(chatbotID int64, src SourceRef, texts []string) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(chatbotID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(src.Type))
	h.Write([]byte{0})
	h.Write([]byte(src.Name))
	for _, t := range texts {
		h.Write([]byte{0})
		h.Write([]byte(t))
	}
	return hex.EncodeToString(h.Sum(nil))
}
