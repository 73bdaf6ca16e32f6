package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFS stores content in a MongoDB GridFS bucket named "content", with the content id as file name.
type GridFS struct {
	mu sync.Mutex // deadlines are set on the shared bucket
	b  *gridfs.Bucket
}

// NewGridFS opens the content bucket of db.
func NewGridFS(db *mgo.Database) (*GridFS, error) {
	b, err := gridfs.NewBucket(db, options.GridFSBucket().SetName("content"))
	if err != nil {
		return nil, fmt.Errorf("cannot open gridfs bucket: %w", err)
	}

	return &GridFS{b: b}, nil
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}

	return time.Now().Add(30 * time.Second) //nolint:gomnd // default timeout
}

// Put uploads data unless a file with its content id exists.
func (g *GridFS) Put(ctx context.Context, data []byte) (string, error) {
	cid := CID(data)

	g.mu.Lock()
	defer g.mu.Unlock()

	cur, err := g.b.Find(bson.M{"filename": cid})
	if err != nil {
		return "", err
	}

	exists := cur.Next(ctx)
	_ = cur.Close(ctx)

	if exists {
		return cid, nil
	}

	if err = g.b.SetWriteDeadline(deadline(ctx)); err != nil {
		return "", err
	}

	if _, err = g.b.UploadFromStream(cid, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("cannot upload %s: %w", cid, err)
	}

	return cid, nil
}

// Get downloads the content for cid.
func (g *GridFS) Get(ctx context.Context, cid string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.b.SetReadDeadline(deadline(ctx)); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := g.b.DownloadToStreamByName(cid, &buf); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, cid)
		}

		return nil, err
	}

	return buf.Bytes(), nil
}
