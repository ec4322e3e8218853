package chatlog

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fabfab/legal-agent/config"
	"github.com/fabfab/legal-agent/database"
)

func TestMongoSinkIntegration(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run mongodb chat log checks")
	}
	cfg := config.Load()
	if cfg.MongoURI == "" {
		t.Skip("MONGODB_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := database.NewMongoClient(ctx, cfg.MongoURI)
	require.NoError(t, err)
	defer func() { _ = client.Disconnect(context.Background()) }()

	sink := NewMongoSink(client, cfg.MongoDatabase, cfg.MongoCollection+"_it")
	require.NoError(t, sink.EnsureIndexes(ctx))

	session := "it-" + uuid.NewString()
	now := time.Now()
	require.NoError(t, sink.Append(ctx,
		NewRecord(session, RoleUser, "What is the inheritance share of a daughter?", now),
		NewRecord(session, RoleAssistant, map[string]any{"answer": "Half of the son's share.", "references": []string{}}, now.Add(time.Millisecond)),
	))

	records, err := loggedRecords(ctx, sink, session)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, RoleUser, records[0].Role)
	assert.Equal(t, RoleAssistant, records[1].Role)
}

func loggedRecords(ctx context.Context, sink *MongoSink, session string) ([]Record, error) {
	cursor, err := sink.coll.Find(ctx,
		bson.M{"session_id": session},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("query chat log: %w", err)
	}
	var records []Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decode chat log: %w", err)
	}
	return records, nil
}
