package chatlog

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoSink appends records to a MongoDB collection.
type MongoSink struct {
	coll *mongo.Collection
}

func NewMongoSink(client *mongo.Client, database, collection string) *MongoSink {
	return &MongoSink{coll: client.Database(database).Collection(collection)}
}

// EnsureIndexes creates the index used to read a session back in order.
func (s *MongoSink) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "timestamp", Value: 1}},
		Options: options.Index().SetName("session_timestamp"),
	})
	if err != nil {
		return fmt.Errorf("create chat log index: %w", err)
	}
	return nil
}

func (s *MongoSink) Append(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]any, len(records))
	for i, record := range records {
		docs[i] = record
	}
	if _, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		return fmt.Errorf("insert chat log records: %w", err)
	}
	return nil
}

var _ Sink = (*MongoSink)(nil)
