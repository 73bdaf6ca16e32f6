package content

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucket = []byte("content") //nolint:gochecknoglobals // bucket name

// Bolt stores content in a local bbolt file.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the bbolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cannot open content db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)

		return err
	})
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return &Bolt{db: db}, nil
}

// Close closes the file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Put stores data.
func (b *Bolt) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cid := CID(data)

	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		if bk.Get([]byte(cid)) != nil {
			return nil
		}

		return bk.Put([]byte(cid), data)
	})
	if err != nil {
		return "", err
	}

	return cid, nil
}

// Get returns the content for cid.
func (b *Bolt) Get(ctx context.Context, cid string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte

	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(cid))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, cid)
		}
		// v is only valid during the transaction
		data = append([]byte(nil), v...)

		return nil
	})

	return data, err
}
