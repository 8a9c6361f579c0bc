package notebook

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoDefaultDatabase   = "notebookrelay"
	mongoMappingCollection = "notebook_mappings"
	mongoOperationTimeout  = 5 * time.Second
)

// MongoMappingStore keys each document by user id so the collection's _id
// index provides the uniqueness Reserve depends on.
type MongoMappingStore struct {
	uri        string
	database   string
	collection string
	now        func() time.Time

	initOnce sync.Once
	initErr  error
	client   *mongo.Client
	coll     *mongo.Collection
}

type mongoMapping struct {
	UserID      string    `bson:"_id"`
	NotebookID  string    `bson:"notebookId"`
	DisplayName string    `bson:"displayName"`
	Status      string    `bson:"status"`
	Reservation string    `bson:"reservation"`
	Attempts    int       `bson:"attempts"`
	LastError   string    `bson:"lastError"`
	Permanent   bool      `bson:"permanent"`
	CreatedAt   time.Time `bson:"createdAt"`
	UpdatedAt   time.Time `bson:"updatedAt"`
}

func (d mongoMapping) mapping() Mapping {
	return Mapping{
		UserID:      d.UserID,
		NotebookID:  d.NotebookID,
		DisplayName: d.DisplayName,
		Status:      Status(d.Status),
		Reservation: d.Reservation,
		Attempts:    d.Attempts,
		LastError:   d.LastError,
		Permanent:   d.Permanent,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

// NewMongoMappingStore connects lazily to uri. The database comes from the
// URI path, falling back to "notebookrelay".
func NewMongoMappingStore(uri string) (*MongoMappingStore, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	database := strings.Trim(parsed.Path, "/")
	if database == "" {
		database = mongoDefaultDatabase
	}
	return &MongoMappingStore{
		uri:        uri,
		database:   database,
		collection: mongoMappingCollection,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *MongoMappingStore) Get(ctx context.Context, userID string) (Mapping, error) {
	if err := s.ensureReady(); err != nil {
		return Mapping{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()
	return s.get(ctx, userID)
}

func (s *MongoMappingStore) Reserve(ctx context.Context, userID, displayName string) (Mapping, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return Mapping{}, false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Mapping{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	m := newPendingMapping(userID, displayName, s.now())
	update := bson.M{"$setOnInsert": bson.M{
		"notebookId":  "",
		"displayName": m.DisplayName,
		"status":      string(StatusPending),
		"reservation": m.Reservation,
		"attempts":    m.Attempts,
		"lastError":   "",
		"permanent":   false,
		"createdAt":   m.CreatedAt,
		"updatedAt":   m.UpdatedAt,
	}}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": userID}, update, options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return Mapping{}, false, err
	}
	created := err == nil && res.UpsertedCount == 1
	stored, err := s.get(ctx, userID)
	return stored, created, err
}

func (s *MongoMappingStore) Reclaim(ctx context.Context, userID string, staleBefore time.Time) (Mapping, bool, error) {
	if err := s.ensureReady(); err != nil {
		return Mapping{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	clauses := bson.A{bson.M{"status": bson.M{"$in": bson.A{string(StatusFailed), string(StatusDeleted)}}}}
	if !staleBefore.IsZero() {
		clauses = append(clauses, bson.M{"status": string(StatusPending), "updatedAt": bson.M{"$lt": staleBefore}})
	}
	filter := bson.M{"_id": userID, "$or": clauses}
	update := bson.M{
		"$set": bson.M{
			"status":      string(StatusPending),
			"reservation": newReservation(),
			"notebookId":  "",
			"lastError":   "",
			"permanent":   false,
			"updatedAt":   s.now(),
		},
		"$inc": bson.M{"attempts": 1},
	}
	var doc mongoMapping
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err == nil {
		return doc.mapping(), true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return Mapping{}, false, err
	}
	existing, err := s.get(ctx, userID)
	if err != nil {
		return Mapping{}, false, err
	}
	return existing, false, nil
}

func (s *MongoMappingStore) MarkActive(ctx context.Context, userID, reservation, notebookID string) error {
	if strings.TrimSpace(notebookID) == "" {
		return ErrInvalidInput
	}
	return s.transitionPending(ctx, userID, reservation, bson.M{
		"status":      string(StatusActive),
		"notebookId":  notebookID,
		"reservation": "",
	})
}

func (s *MongoMappingStore) MarkFailed(ctx context.Context, userID, reservation, reason string, permanent bool) error {
	return s.transitionPending(ctx, userID, reservation, bson.M{
		"status":      string(StatusFailed),
		"lastError":   reason,
		"permanent":   permanent,
		"reservation": "",
	})
}

func (s *MongoMappingStore) Delete(ctx context.Context, userID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	filter := bson.M{"_id": userID, "status": bson.M{"$in": bson.A{string(StatusActive), string(StatusFailed)}}}
	res, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"status":    string(StatusDeleted),
		"updatedAt": s.now(),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}
	m, err := s.get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return deleteConflict(m)
}

func (s *MongoMappingStore) List(ctx context.Context) ([]Mapping, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	cursor, err := s.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	out := []Mapping{}
	for cursor.Next(ctx) {
		var doc mongoMapping
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.mapping())
	}
	return out, cursor.Err()
}

func (s *MongoMappingStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoOperationTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoMappingStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), mongoOperationTimeout)
		defer cancel()
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.uri))
		if err != nil {
			s.initErr = err
			return
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(ctx)
			s.initErr = err
			return
		}
		s.client = client
		s.coll = client.Database(s.database).Collection(s.collection)
	})
	return s.initErr
}

func (s *MongoMappingStore) get(ctx context.Context, userID string) (Mapping, error) {
	var doc mongoMapping
	err := s.coll.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Mapping{}, ErrNotFound
	}
	if err != nil {
		return Mapping{}, err
	}
	return doc.mapping(), nil
}

func (s *MongoMappingStore) transitionPending(ctx context.Context, userID, reservation string, set bson.M) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()

	set["updatedAt"] = s.now()
	filter := bson.M{"_id": userID, "status": string(StatusPending), "reservation": reservation}
	res, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}
	m, err := s.get(ctx, userID)
	if err != nil {
		return err
	}
	return &ConflictError{UserID: userID, Expected: StatusPending, Current: m.Status}
}
