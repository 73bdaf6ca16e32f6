// Package mongo implements the store interface for MongoDB. Each entity kind is a collection of the configured
// database; documents are keyed by the entity id.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tarancss/scc/lib/store"
)

// DefaultDatabase is used when New is given an empty database name.
const DefaultDatabase = "scc"

// duplicate key error code
const codeDuplicateKey = 11000

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c  *mgo.Client
	db *mgo.Database
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri, database string) (*Mongo, error) {
	if database == "" {
		database = DefaultDatabase
	}
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	err = c.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	return &Mongo{c: c, db: c.Database(database)}, nil
}

// Client returns the underlying client, so other components (ie. GridFS content) can share the connection.
func (m *Mongo) Client() *mgo.Client {
	return m.c
}

// Database returns the database the store writes to.
func (m *Mongo) Database() *mgo.Database {
	return m.db
}

// Close will close a database connection. Must be called at termination time.
func (m *Mongo) Close() error {
	return m.c.Disconnect(context.Background())
}

// Put inserts or replaces the record.
func (m *Mongo) Put(ctx context.Context, rec store.Record) error {
	_, err := m.db.Collection(rec.Kind).ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("could not save %s %s in db: %w", rec.Kind, rec.ID, err)
	}

	return nil
}

// Insert stores the record if no document with its id exists.
func (m *Mongo) Insert(ctx context.Context, rec store.Record) error {
	_, err := m.db.Collection(rec.Kind).InsertOne(ctx, rec)
	if isDuplicate(err) {
		return store.ErrDuplicate
	}

	if err != nil {
		return fmt.Errorf("could not insert %s %s in db: %w", rec.Kind, rec.ID, err)
	}

	return nil
}

// Get returns the record.
func (m *Mongo) Get(ctx context.Context, kind, id string) (rec store.Record, err error) {
	err = m.db.Collection(kind).FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mgo.ErrNoDocuments) {
		err = store.ErrNotFound
	}

	return
}

// List returns the matching records ordered by id.
func (m *Mongo) List(ctx context.Context, kind string, f store.Filter) ([]store.Record, error) {
	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = f.Status
	}

	if f.Party != "" {
		filter["parties"] = f.Party // matches any element of the array
	}

	if f.Ref != "" {
		filter["ref"] = f.Ref
	}

	cur, err := m.db.Collection(kind).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("error listing %s from mongo DB: %w", kind, err)
	}

	recs := []store.Record{}
	if err = cur.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("error decoding %s from mongo DB: %w", kind, err)
	}

	return recs, nil
}

// Swap replaces the record only while its stored status is oldStatus.
func (m *Mongo) Swap(ctx context.Context, rec store.Record, oldStatus string) error {
	res, err := m.db.Collection(rec.Kind).ReplaceOne(ctx, bson.M{"_id": rec.ID, "status": oldStatus}, rec)
	if err != nil {
		return fmt.Errorf("could not update %s %s in db: %w", rec.Kind, rec.ID, err)
	}

	if res.MatchedCount == 1 {
		return nil
	}

	if _, err = m.Get(ctx, rec.Kind, rec.ID); err != nil {
		return err
	}

	return store.ErrConflict
}

// Delete removes the record.
func (m *Mongo) Delete(ctx context.Context, kind, id string) error {
	if _, err := m.db.Collection(kind).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("could not delete %s %s from db: %w", kind, id, err)
	}

	return nil
}

func isDuplicate(err error) bool {
	var we mgo.WriteException
	if !errors.As(err, &we) {
		return false
	}

	for _, e := range we.WriteErrors {
		if e.Code == codeDuplicateKey {
			return true
		}
	}

	return false
}
