package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"coinwatch/internal/config"
)

const alertsCollection = "alerts"

type alertDocument struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	UserID        string             `bson:"userId"`
	CoinID        string             `bson:"coinId"`
	Threshold     bson.RawValue      `bson:"threshold"` // 旧数据是 double，新数据是 Decimal128
	Condition     string             `bson:"condition"`
	IsTriggered   bool               `bson:"isTriggered"`
	LastTriggered *time.Time         `bson:"lastTriggered,omitempty"`
	CreatedAt     time.Time          `bson:"createdAt"`
	UpdatedAt     time.Time          `bson:"updatedAt"`
}

// MongoStore is the MongoDB alert store.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger zerolog.Logger
}

// NewMongoStore connects to MongoDB and prepares the alerts collection.
func NewMongoStore(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (*MongoStore, error) {
	if cfg.MongoURI == "" {
		return nil, fmt.Errorf("store.mongo_uri is required")
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &MongoStore{
		client: client,
		coll:   client.Database(cfg.MongoDatabase).Collection(alertsCollection),
		logger: logger.With().Str("component", "mongo_store").Logger(),
	}, nil
}

// Close disconnects the client.
func (m *MongoStore) Close() {
	if m == nil || m.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.client.Disconnect(ctx)
}

// EnsureIndexes creates the lookup indexes used by the pipeline and the API.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "coinId", Value: 1}, {Key: "isTriggered", Value: 1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}}},
	})
	if err != nil {
		return ioErr("create indexes", err)
	}
	return nil
}

// Create inserts a new untriggered alert.
func (m *MongoStore) Create(ctx context.Context, alert NewAlert) (AlertRecord, error) {
	if err := alert.Validate(); err != nil {
		return AlertRecord{}, err
	}
	threshold, err := encodeThreshold(alert.Threshold)
	if err != nil {
		return AlertRecord{}, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := alertDocument{
		ID:        primitive.NewObjectID(),
		UserID:    alert.OwnerID,
		CoinID:    alert.AssetID,
		Threshold: threshold,
		Condition: string(alert.Condition),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := m.coll.InsertOne(ctx, doc); err != nil {
		return AlertRecord{}, ioErr("insert alert", err)
	}
	return doc.toRecord()
}

// FindByOwner lists an owner's alerts, newest first.
func (m *MongoStore) FindByOwner(ctx context.Context, ownerID string) ([]AlertRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	return m.find(ctx, "list alerts by owner", bson.M{"userId": ownerID}, opts)
}

// FindUntriggeredByAsset lists alerts on a coin that have not fired yet.
func (m *MongoStore) FindUntriggeredByAsset(ctx context.Context, assetID string) ([]AlertRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	return m.find(ctx, "list untriggered alerts", bson.M{"coinId": assetID, "isTriggered": false}, opts)
}

// MarkTriggered flips an untriggered alert to triggered.
func (m *MongoStore) MarkTriggered(ctx context.Context, id string, triggeredAt time.Time) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	at := triggeredAt.UTC()
	res, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": oid, "isTriggered": false},
		bson.M{"$set": bson.M{
			"isTriggered":   true,
			"lastTriggered": at,
			"updatedAt":     time.Now().UTC(),
		}},
	)
	if err != nil {
		return ioErr("mark triggered", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByIDAndOwner removes an alert owned by ownerID.
func (m *MongoStore) DeleteByIDAndOwner(ctx context.Context, id, ownerID string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": oid, "userId": ownerID})
	if err != nil {
		return ioErr("delete alert", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoStore) find(ctx context.Context, op string, filter bson.M, opts *options.FindOptions) ([]AlertRecord, error) {
	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, ioErr(op, err)
	}
	return m.collect(ctx, op, cursor)
}

// collect decodes documents one by one; unreadable documents are logged and
// skipped so they do not hide the rest of the result.
func (m *MongoStore) collect(ctx context.Context, op string, cursor *mongo.Cursor) ([]AlertRecord, error) {
	defer cursor.Close(context.WithoutCancel(ctx))

	out := make([]AlertRecord, 0)
	for cursor.Next(ctx) {
		var doc alertDocument
		if err := cursor.Decode(&doc); err != nil {
			m.logger.Warn().Err(err).Str("op", op).Str("id", documentID(cursor.Current)).Msg("跳过无法解析的告警文档")
			continue
		}
		rec, err := doc.toRecord()
		if err != nil {
			m.logger.Warn().Err(err).Str("op", op).Str("id", doc.ID.Hex()).Msg("跳过无法解析的告警文档")
			continue
		}
		out = append(out, rec)
	}
	if err := cursor.Err(); err != nil {
		return nil, ioErr(op, err)
	}
	return out, nil
}

func documentID(raw bson.Raw) string {
	if oid, ok := raw.Lookup("_id").ObjectIDOK(); ok {
		return oid.Hex()
	}
	return ""
}

func encodeThreshold(threshold decimal.Decimal) (bson.RawValue, error) {
	d, err := primitive.ParseDecimal128(threshold.String())
	if err != nil {
		return bson.RawValue{}, fmt.Errorf("encode threshold: %w", err)
	}
	typ, data, err := bson.MarshalValue(d)
	if err != nil {
		return bson.RawValue{}, fmt.Errorf("encode threshold: %w", err)
	}
	return bson.RawValue{Type: typ, Value: data}, nil
}

// decodeThreshold accepts every numeric encoding a threshold has been stored with.
func decodeThreshold(raw bson.RawValue) (decimal.Decimal, error) {
	switch raw.Type {
	case bsontype.Double:
		if f, ok := raw.DoubleOK(); ok {
			return decimal.NewFromFloat(f), nil
		}
	case bsontype.Int32:
		if n, ok := raw.Int32OK(); ok {
			return decimal.NewFromInt32(n), nil
		}
	case bsontype.Int64:
		if n, ok := raw.Int64OK(); ok {
			return decimal.NewFromInt(n), nil
		}
	case bsontype.Decimal128:
		if d, ok := raw.Decimal128OK(); ok {
			return decimal.NewFromString(d.String())
		}
	case bsontype.String:
		if s, ok := raw.StringValueOK(); ok {
			return decimal.NewFromString(s)
		}
	}
	return decimal.Decimal{}, fmt.Errorf("unsupported threshold type %s", raw.Type)
}

func (d alertDocument) toRecord() (AlertRecord, error) {
	threshold, err := decodeThreshold(d.Threshold)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse threshold %s: %w", d.ID.Hex(), err)
	}
	return AlertRecord{
		ID:          d.ID.Hex(),
		OwnerID:     d.UserID,
		AssetID:     d.CoinID,
		Threshold:   threshold,
		Condition:   Condition(d.Condition),
		Triggered:   d.IsTriggered,
		TriggeredAt: d.LastTriggered,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}, nil
}

var _ AlertStore = (*MongoStore)(nil)
