package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const mongoMaxRetries = 16

// Document keys cannot contain '.' or start with '$'.
var (
	mongoKeyEscaper   = strings.NewReplacer("%", "%25", ".", "%2E", "$", "%24")
	mongoKeyUnescaper = strings.NewReplacer("%2E", ".", "%24", "$", "%25", "%")
)

// MongoOptions configures a MongoStore.
type MongoOptions struct {
	// Database is the database name (default: "warden").
	Database string

	// Collection is the session collection (default: "sessions").
	Collection string

	// IndexNames are the index names a lookup index is created for.
	IndexNames []string
}

type mongoAttribute struct {
	Type string `bson:"t"`
	Data []byte `bson:"d"`
}

type mongoSession struct {
	ID                  string                    `bson:"_id"`
	CreationTime        time.Time                 `bson:"creationTime"`
	LastAccessedTime    time.Time                 `bson:"lastAccessedTime"`
	MaxInactiveInterval int64                     `bson:"maxInactiveInterval"` // milliseconds
	ExpireAt            *time.Time                `bson:"expireAt,omitempty"`
	Attributes          map[string]mongoAttribute `bson:"attributes"`
	Indexes             map[string]string         `bson:"indexes"`
	Version             int64                     `bson:"version"`
}

// MongoStore implements Backend using a MongoDB collection with one
// document per session. Updates are version-checked and retried, and only
// the changed attribute paths are written.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore creates a session store on an existing collection and
// ensures its indexes. The store does not own the client.
func NewMongoStore(ctx context.Context, coll *mongo.Collection, indexNames []string) (*MongoStore, error) {
	s := &MongoStore{coll: coll}
	if err := s.ensureIndexes(ctx, indexNames); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMongoFromURL connects to MongoDB and creates a session store.
func NewMongoFromURL(ctx context.Context, url string, opts MongoOptions) (*MongoStore, error) {
	if opts.Database == "" {
		opts.Database = "warden"
	}
	if opts.Collection == "" {
		opts.Collection = "sessions"
	}

	client, err := mongo.Connect(options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("mongo: failed to connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: failed to connect: %w", err)
	}

	s, err := NewMongoStore(ctx, client.Database(opts.Database).Collection(opts.Collection), opts.IndexNames)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	s.client = client
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context, indexNames []string) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "expireAt", Value: 1}}},
	}
	for _, name := range indexNames {
		models = append(models, mongo.IndexModel{
			Keys: bson.D{{Key: "indexes." + mongoKeyEscaper.Replace(name), Value: 1}},
		})
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("mongo: failed to create indexes: %w", err)
	}
	return nil
}

// Get loads a session document.
func (s *MongoStore) Get(ctx context.Context, id string) (*Record, error) {
	doc, err := s.load(ctx, id)
	if err != nil || doc == nil {
		return nil, err
	}
	return doc.record(), nil
}

// Put replaces the session document, bumping its version.
func (s *MongoStore) Put(ctx context.Context, rec *Record) error {
	doc := toMongoSession(rec)
	set := bson.M{
		"creationTime":        doc.CreationTime,
		"lastAccessedTime":    doc.LastAccessedTime,
		"maxInactiveInterval": doc.MaxInactiveInterval,
		"attributes":          doc.Attributes,
		"indexes":             doc.Indexes,
	}
	update := bson.M{"$set": set, "$inc": bson.M{"version": 1}}
	if doc.ExpireAt != nil {
		set["expireAt"] = *doc.ExpireAt
	} else {
		update["$unset"] = bson.M{"expireAt": ""}
	}

	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": rec.ID}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo: failed to save session: %w", err)
	}
	return nil
}

// Apply writes the changed paths of the session document. The update is
// conditional on the version read, and retried when another writer won.
func (s *MongoStore) Apply(ctx context.Context, id string, delta *Delta, ix Indexer) (bool, error) {
	for i := 0; i < mongoMaxRetries; i++ {
		doc, err := s.load(ctx, id)
		if err != nil {
			return false, err
		}
		if doc == nil {
			return false, nil
		}

		set := bson.M{}
		unset := bson.M{}
		for name, env := range delta.Set {
			set["attributes."+mongoKeyEscaper.Replace(name)] = mongoAttribute{Type: env.Type, Data: env.Data}
		}
		for _, name := range delta.Removed {
			unset["attributes."+mongoKeyEscaper.Replace(name)] = ""
		}

		if TouchesIndex(ix, delta) {
			stored := doc.record()
			next := ResolveNext(ix, stored.Attributes, delta)
			removed, added := DiffIndexes(stored.Indexes, next)
			for _, e := range removed {
				if _, ok := next[e.Name]; !ok {
					unset["indexes."+mongoKeyEscaper.Replace(e.Name)] = ""
				}
			}
			for _, e := range added {
				set["indexes."+mongoKeyEscaper.Replace(e.Name)] = e.Value
			}
		}

		if delta.LastAccessedTime != nil || delta.MaxInactiveInterval != nil {
			rec := doc.record()
			delta.ApplyTo(rec)
			set["lastAccessedTime"] = rec.LastAccessedTime
			set["maxInactiveInterval"] = intervalMillis(rec.MaxInactiveInterval)
			if exp := storedExpiry(rec.LastAccessedTime, rec.MaxInactiveInterval); exp.IsZero() {
				unset["expireAt"] = ""
			} else {
				set["expireAt"] = exp
			}
		}

		update := bson.M{"$inc": bson.M{"version": 1}}
		if len(set) > 0 {
			update["$set"] = set
		}
		if len(unset) > 0 {
			update["$unset"] = unset
		}

		res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id, "version": doc.Version}, update)
		if err != nil {
			return false, fmt.Errorf("mongo: failed to update session: %w", err)
		}
		if res.MatchedCount == 1 {
			return true, nil
		}
	}
	return false, fmt.Errorf("mongo: failed to update session: %w", ErrConflict)
}

// Rename inserts the document under newID and removes the old one.
// The two writes are not atomic: a reader may briefly see both ids.
func (s *MongoStore) Rename(ctx context.Context, oldID, newID string) (bool, error) {
	for i := 0; i < mongoMaxRetries; i++ {
		doc, err := s.load(ctx, oldID)
		if err != nil {
			return false, err
		}
		if doc == nil {
			return false, nil
		}

		moved := *doc
		moved.ID = newID
		if _, err := s.coll.InsertOne(ctx, moved); err != nil {
			return false, fmt.Errorf("mongo: failed to rename session: %w", err)
		}

		res, err := s.coll.DeleteOne(ctx, bson.M{"_id": oldID, "version": doc.Version})
		if err != nil {
			return false, fmt.Errorf("mongo: failed to rename session: %w", err)
		}
		if res.DeletedCount == 1 {
			return true, nil
		}

		// The old document changed underneath us; drop the copy and retry.
		if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": newID}); err != nil {
			return false, fmt.Errorf("mongo: failed to rename session: %w", err)
		}
	}
	return false, fmt.Errorf("mongo: failed to rename session: %w", ErrConflict)
}

// Delete removes the session document. Index entries live on the document
// and go with it.
func (s *MongoStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("mongo: failed to delete session: %w", err)
	}
	return res.DeletedCount > 0, nil
}

// FindByIndex returns the sessions whose indexes.<name> equals value.
func (s *MongoStore) FindByIndex(ctx context.Context, name, value string) ([]*Record, error) {
	filter := bson.M{"indexes." + mongoKeyEscaper.Replace(name): value}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: failed to query index: %w", err)
	}

	var docs []mongoSession
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: failed to decode sessions: %w", err)
	}

	records := make([]*Record, 0, len(docs))
	for i := range docs {
		records = append(records, docs[i].record())
	}
	return records, nil
}

// ExpiredIDs returns up to limit ids whose expireAt is before now.
func (s *MongoStore) ExpiredIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "expireAt", Value: 1}}).
		SetProjection(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.coll.Find(ctx, bson.M{"expireAt": bson.M{"$lt": now}}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: failed to query expirations: %w", err)
	}

	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: failed to decode expirations: %w", err)
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// Close disconnects the client if the store created it.
func (s *MongoStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(context.Background())
}

func (s *MongoStore) load(ctx context.Context, id string) (*mongoSession, error) {
	var doc mongoSession
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: failed to load session: %w", err)
	}
	return &doc, nil
}

func toMongoSession(rec *Record) mongoSession {
	doc := mongoSession{
		ID:                  rec.ID,
		CreationTime:        rec.CreationTime,
		LastAccessedTime:    rec.LastAccessedTime,
		MaxInactiveInterval: intervalMillis(rec.MaxInactiveInterval),
		Attributes:          make(map[string]mongoAttribute, len(rec.Attributes)),
		Indexes:             make(map[string]string, len(rec.Indexes)),
	}
	if exp := storedExpiry(rec.LastAccessedTime, rec.MaxInactiveInterval); !exp.IsZero() {
		doc.ExpireAt = &exp
	}
	for name, env := range rec.Attributes {
		doc.Attributes[mongoKeyEscaper.Replace(name)] = mongoAttribute{Type: env.Type, Data: env.Data}
	}
	for name, value := range rec.Indexes {
		doc.Indexes[mongoKeyEscaper.Replace(name)] = value
	}
	return doc
}

func (d *mongoSession) record() *Record {
	rec := &Record{
		ID:                  d.ID,
		CreationTime:        d.CreationTime,
		LastAccessedTime:    d.LastAccessedTime,
		MaxInactiveInterval: fromIntervalMillis(d.MaxInactiveInterval),
		Attributes:          make(map[string]Envelope, len(d.Attributes)),
		Indexes:             make(map[string]string, len(d.Indexes)),
	}
	for name, attr := range d.Attributes {
		rec.Attributes[mongoKeyUnescaper.Replace(name)] = Envelope{Type: attr.Type, Data: attr.Data}
	}
	for name, value := range d.Indexes {
		rec.Indexes[mongoKeyUnescaper.Replace(name)] = value
	}
	return rec
}

var _ Backend = (*MongoStore)(nil)
