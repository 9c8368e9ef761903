package events

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

const outboxBucket = "events"

// Outbox is a file-backed append-only event log for local runs.
type Outbox struct {
	db *bolt.DB
}

type OutboxRecord struct {
	Sequence uint64
	Event    json.RawMessage
}

func OpenOutbox(path string) (*Outbox, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(outboxBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Publish appends the event under the next sequence number.
func (o *Outbox) Publish(ctx context.Context, event DomainEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	return o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(outboxBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
}

// List returns up to limit records starting after the given sequence. A
// limit of zero returns everything.
func (o *Outbox) List(after uint64, limit int) ([]OutboxRecord, error) {
	records := []OutboxRecord{}

	err := o.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(outboxBucket)).Cursor()
		for k, v := c.Seek(sequenceKey(after + 1)); k != nil; k, v = c.Next() {
			if limit > 0 && len(records) >= limit {
				break
			}
			raw := make(json.RawMessage, len(v))
			copy(raw, v)
			records = append(records, OutboxRecord{Sequence: binary.BigEndian.Uint64(k), Event: raw})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
