package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Mongo mirrors each table into a collection of the same name. Documents
// are keyed by record id.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// mirrorDoc is the stored document.
type mirrorDoc struct {
	ID         string    `bson:"_id"`
	Payload    bson.M    `bson:"payload"`
	MirroredAt time.Time `bson:"mirrored_at"`
}

// OpenMongo connects and pings the server.
func OpenMongo(ctx context.Context, uri, database string, logger *slog.Logger) (*Mongo, error) {
	if database == "" {
		database = "splitsync"
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}
	logger.Info("mongo mirror connected", slog.String("database", database))
	return &Mongo{client: client, db: client.Database(database), logger: logger}, nil
}

func (m *Mongo) Upsert(ctx context.Context, table, recordID string, payload []byte) error {
	var doc bson.M
	if err := bson.UnmarshalExtJSON(payload, false, &doc); err != nil {
		return fmt.Errorf("decoding payload %s/%s: %w", table, recordID, err)
	}
	_, err := m.db.Collection(table).ReplaceOne(ctx,
		bson.M{"_id": recordID},
		mirrorDoc{ID: recordID, Payload: doc, MirroredAt: time.Now().UTC()},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mirroring %s/%s: %w", table, recordID, err)
	}
	return nil
}

func (m *Mongo) Delete(ctx context.Context, table, recordID string) error {
	if _, err := m.db.Collection(table).DeleteOne(ctx, bson.M{"_id": recordID}); err != nil {
		return fmt.Errorf("deleting mirror %s/%s: %w", table, recordID, err)
	}
	return nil
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
