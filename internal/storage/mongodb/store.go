// Package mongodb implements storage interfaces using MongoDB
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/pkg/model"
)

// Store implements storage.Repository using MongoDB
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	gridfs *gridfs.Bucket
	units  *mongo.Collection
	now    func() time.Time
}

// Config holds MongoDB connection settings
type Config struct {
	URI            string
	Database       string
	Collection     string
	GridFSBucket   string
	ChunkSizeBytes int32
}

var _ storage.Repository = (*Store)(nil)

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	// Connect to MongoDB
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	// Verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)

	// Create GridFS bucket for payloads
	bucketName := cfg.GridFSBucket
	if bucketName == "" {
		bucketName = "payloads"
	}
	chunkSize := cfg.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = 261120 // 255KB
	}
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().
		SetName(bucketName).
		SetChunkSizeBytes(chunkSize))
	if err != nil {
		return nil, fmt.Errorf("creating GridFS bucket: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "message_units"
	}
	s := &Store{
		client: client,
		db:     db,
		gridfs: bucket,
		units:  db.Collection(collection),
		now:    time.Now,
	}

	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}
	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.units.Indexes().CreateMany(ctx, []mongo.IndexModel{
		// message ids are only unique for units we send
		{
			Keys: bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"direction": string(model.DirectionOut)}).
				SetName("out_message_id"),
		},
		{Keys: bson.D{{Key: "message_id", Value: 1}, {Key: "direction", Value: 1}}},
		{Keys: bson.D{{Key: "pmode_id", Value: 1}, {Key: "current_state", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "ref_to_message_id", Value: 1}}},
		{Keys: bson.D{{Key: "current_state", Value: 1}, {Key: "current_since", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating message unit indexes: %w", err)
	}
	return nil
}

// Close disconnects from MongoDB
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Payloads returns a payload provider backed by the store's GridFS bucket
func (s *Store) Payloads() *GridFSProvider {
	return &GridFSProvider{bucket: s.gridfs}
}

// Store implements storage.Repository
func (s *Store) Store(ctx context.Context, unit *model.MessageUnit) (*model.MessageUnit, error) {
	stored := unit.Clone()
	stored.CoreID = uuid.New().String()
	stored.Version = 1
	stored.States = []model.ProcessingState{{Name: model.StateReceived, StartTime: s.now().UTC()}}

	_, err := s.units.InsertOne(ctx, toDocument(stored))
	if mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("%w: %s", storage.ErrDuplicateMessageID, unit.MessageID)
	}
	if err != nil {
		return nil, fmt.Errorf("storing message unit %s: %w", unit.MessageID, err)
	}
	return stored, nil
}

// SetState implements storage.Repository
func (s *Store) SetState(ctx context.Context, coreID string, expectedVersion int64, state model.State, description string) (*model.MessageUnit, error) {
	current, err := s.Get(ctx, coreID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, coreID)
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s", storage.ErrConcurrentModification, current.MessageID)
	}

	ps := newStateDocument(model.ProcessingState{
		Name:        state,
		StartTime:   model.NextStartTime(current.States, s.now().UTC()),
		Description: description,
	})
	filter := bson.M{"_id": coreID, "version": expectedVersion}
	update := bson.M{
		"$push": bson.M{"states": ps},
		"$inc":  bson.M{"version": 1},
		"$set":  bson.M{"current_state": ps.Name, "current_since": ps.StartTime},
	}
	var doc unitDocument
	err = s.units.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("%w: %s", storage.ErrConcurrentModification, current.MessageID)
	}
	if err != nil {
		return nil, fmt.Errorf("setting state of %s: %w", current.MessageID, err)
	}
	return doc.toUnit(), nil
}

// Update implements storage.Repository
func (s *Store) Update(ctx context.Context, unit *model.MessageUnit) (*model.MessageUnit, error) {
	doc := toDocument(unit)
	filter := bson.M{"_id": unit.CoreID, "version": unit.Version}
	update := bson.M{
		"$set": bson.M{
			"message_id":        doc.MessageID,
			"timestamp":         doc.Timestamp,
			"ref_to_message_id": doc.RefToMessageID,
			"pmode_id":          doc.PModeID,
			"user_message":      doc.UserMessage,
			"pull_request":      doc.PullRequest,
			"receipt":           doc.Receipt,
			"error_message":     doc.ErrorMessage,
		},
		"$inc": bson.M{"version": 1},
	}
	var out unitDocument
	err := s.units.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&out)
	if err == mongo.ErrNoDocuments {
		existing, gerr := s.Get(ctx, unit.CoreID)
		if gerr == nil && existing == nil {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, unit.CoreID)
		}
		return nil, fmt.Errorf("%w: %s", storage.ErrConcurrentModification, unit.MessageID)
	}
	if err != nil {
		return nil, fmt.Errorf("updating %s: %w", unit.MessageID, err)
	}
	return out.toUnit(), nil
}

// Get implements storage.Repository
func (s *Store) Get(ctx context.Context, coreID string) (*model.MessageUnit, error) {
	var doc unitDocument
	err := s.units.FindOne(ctx, bson.M{"_id": coreID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting message unit: %w", err)
	}
	return doc.toUnit(), nil
}

func (s *Store) find(ctx context.Context, filter bson.M) ([]*model.MessageUnit, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.units.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("querying message units: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []unitDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding message units: %w", err)
	}
	units := make([]*model.MessageUnit, len(docs))
	for i := range docs {
		units[i] = docs[i].toUnit()
	}
	return units, nil
}

func withDirection(filter bson.M, direction model.Direction) bson.M {
	if direction != model.DirectionAny {
		filter["direction"] = string(direction)
	}
	return filter
}

// Find implements storage.Repository
func (s *Store) Find(ctx context.Context, messageID string, direction model.Direction) ([]*model.MessageUnit, error) {
	return s.find(ctx, withDirection(bson.M{"message_id": messageID}, direction))
}

// FindByState implements storage.Repository
func (s *Store) FindByState(ctx context.Context, pmodeID string, state model.State) ([]*model.MessageUnit, error) {
	filter := bson.M{"current_state": string(state)}
	if pmodeID != "" {
		filter["pmode_id"] = pmodeID
	}
	return s.find(ctx, filter)
}

// FindByRef implements storage.Repository
func (s *Store) FindByRef(ctx context.Context, refToMessageID string, direction model.Direction) ([]*model.MessageUnit, error) {
	return s.find(ctx, withDirection(bson.M{"ref_to_message_id": refToMessageID}, direction))
}

// FindPurgeable implements storage.Repository
func (s *Store) FindPurgeable(ctx context.Context, before time.Time) ([]*model.MessageUnit, error) {
	terminal := make([]string, len(storage.TerminalStates))
	for i, st := range storage.TerminalStates {
		terminal[i] = string(st)
	}
	return s.find(ctx, bson.M{
		"current_state": bson.M{"$in": terminal},
		"current_since": bson.M{"$lt": before},
	})
}

// Delete implements storage.Repository
func (s *Store) Delete(ctx context.Context, coreID string) error {
	if _, err := s.units.DeleteOne(ctx, bson.M{"_id": coreID}); err != nil {
		return fmt.Errorf("deleting message unit: %w", err)
	}
	return nil
}

// IsNotFound reports whether err means a missing GridFS file
func IsNotFound(err error) bool {
	return errors.Is(err, gridfs.ErrFileNotFound)
}
