package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRepository stores sessions, items and outbox events in three
// collections. The outbox insert follows the item write without a
// transaction, so a crash in between drops that one event.
type MongoRepository struct {
	sessions *mongo.Collection
	items    *mongo.Collection
	outbox   *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		sessions: db.Collection("cart_sessions"),
		items:    db.Collection("cart_items"),
		outbox:   db.Collection("cart_outbox"),
	}
}

// decimals are stored as strings, the driver has no codec for decimal.Decimal
type snapshotDocument struct {
	ProductID string `bson:"product_id"`
	Name      string `bson:"name"`
	Price     string `bson:"price"`
	Stock     int    `bson:"stock"`
	MinOrder  int    `bson:"min_order"`
	MaxOrder  int    `bson:"max_order"`
	Available bool   `bson:"available"`
}

type itemDocument struct {
	SessionID string           `bson:"session_id"`
	ProductID string           `bson:"product_id"`
	Quantity  int              `bson:"quantity"`
	UnitPrice string           `bson:"unit_price"`
	Snapshot  snapshotDocument `bson:"snapshot"`
	Version   int64            `bson:"version"`
	Deleted   bool             `bson:"deleted"`
	AddedAt   time.Time        `bson:"added_at"`
	UpdatedAt time.Time        `bson:"updated_at"`
	ExpiresAt time.Time        `bson:"expires_at"`
}

type outboxDocument struct {
	ID          string     `bson:"_id"`
	AggregateId string     `bson:"aggregate_id"`
	EventType   string     `bson:"event_type"`
	Payload     string     `bson:"payload"`
	CreatedAt   time.Time  `bson:"created_at"`
	ProcessedAt *time.Time `bson:"processed_at"`
}

func (d itemDocument) toRow() (domain.ItemRow, error) {
	price, err := decimal.NewFromString(d.UnitPrice)
	if err != nil {
		return domain.ItemRow{}, fmt.Errorf("parse unit price %q: %w", d.UnitPrice, err)
	}
	snapPrice := decimal.Zero
	if d.Snapshot.Price != "" {
		if snapPrice, err = decimal.NewFromString(d.Snapshot.Price); err != nil {
			return domain.ItemRow{}, fmt.Errorf("parse snapshot price %q: %w", d.Snapshot.Price, err)
		}
	}
	return domain.ItemRow{
		SessionID: d.SessionID,
		ProductID: d.ProductID,
		Quantity:  d.Quantity,
		UnitPrice: price,
		Snapshot: domain.ProductSnapshot{
			ProductID: d.Snapshot.ProductID,
			Name:      d.Snapshot.Name,
			Price:     snapPrice,
			Stock:     d.Snapshot.Stock,
			MinOrder:  d.Snapshot.MinOrder,
			MaxOrder:  d.Snapshot.MaxOrder,
			Available: d.Snapshot.Available,
		},
		Version:   d.Version,
		Deleted:   d.Deleted,
		UpdatedAt: d.UpdatedAt,
	}, nil
}

func toSnapshotDocument(s domain.ProductSnapshot) snapshotDocument {
	return snapshotDocument{
		ProductID: s.ProductID,
		Name:      s.Name,
		Price:     s.Price.String(),
		Stock:     s.Stock,
		MinOrder:  s.MinOrder,
		MaxOrder:  s.MaxOrder,
		Available: s.Available,
	}
}

func (m *MongoRepository) CreateSession(ctx context.Context, ttl time.Duration) (domain.Session, error) {
	session := newSession(ttl)
	if _, err := m.sessions.InsertOne(ctx, session); err != nil {
		return domain.Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

func (m *MongoRepository) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var session domain.Session
	err := m.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Session{}, ErrSessionNotFound
		}
		return domain.Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (m *MongoRepository) ListItems(ctx context.Context, sessionID string) ([]domain.ItemRow, error) {
	filter := bson.M{"session_id": sessionID, "deleted": false}
	opts := options.Find().SetSort(bson.D{{Key: "added_at", Value: 1}, {Key: "product_id", Value: 1}})

	cursor, err := m.items.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []itemDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode items: %w", err)
	}

	rows := make([]domain.ItemRow, 0, len(docs))
	for _, doc := range docs {
		row, err := doc.toRow()
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (m *MongoRepository) UpsertItem(ctx context.Context, row domain.ItemRow) (domain.ItemRow, error) {
	session, err := m.GetSession(ctx, row.SessionID)
	if err != nil {
		return domain.ItemRow{}, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	filter := bson.M{"session_id": row.SessionID, "product_id": row.ProductID}
	update := bson.M{
		"$set": bson.M{
			"quantity":   row.Quantity,
			"unit_price": row.UnitPrice.String(),
			"snapshot":   toSnapshotDocument(row.Snapshot),
			"deleted":    false,
			"updated_at": now,
			"expires_at": session.ExpiresAt,
		},
		"$inc":         bson.M{"version": 1},
		"$setOnInsert": bson.M{"added_at": now},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before)

	var before itemDocument
	err = m.items.FindOneAndUpdate(ctx, filter, update, opts).Decode(&before)
	inserted := errors.Is(err, mongo.ErrNoDocuments)
	if err != nil && !inserted {
		return domain.ItemRow{}, fmt.Errorf("failed to upsert item: %w", err)
	}

	eventType := domain.EventUpdate
	version := before.Version + 1
	if inserted {
		eventType = domain.EventInsert
		version = 1
	} else if before.Deleted {
		// coming back from a tombstone counts as a fresh line
		eventType = domain.EventInsert
		if _, err := m.items.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"added_at": now}}); err != nil {
			return domain.ItemRow{}, fmt.Errorf("failed to reset added_at: %w", err)
		}
	}

	stored := row
	stored.Version = version
	stored.Deleted = false
	stored.UpdatedAt = now

	if err := m.insertOutbox(ctx, eventType, stored, now); err != nil {
		return domain.ItemRow{}, err
	}
	return stored, nil
}

func (m *MongoRepository) DeleteItem(ctx context.Context, sessionID, productID string) (domain.ItemRow, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	filter := bson.M{"session_id": sessionID, "product_id": productID, "deleted": false}
	update := bson.M{
		"$set": bson.M{"deleted": true, "quantity": 0, "updated_at": now},
		"$inc": bson.M{"version": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var after itemDocument
	err := m.items.FindOneAndUpdate(ctx, filter, update, opts).Decode(&after)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.ItemRow{}, ErrItemNotFound
		}
		return domain.ItemRow{}, fmt.Errorf("failed to delete item: %w", err)
	}

	stored, err := after.toRow()
	if err != nil {
		return domain.ItemRow{}, err
	}
	if err := m.insertOutbox(ctx, domain.EventDelete, stored, now); err != nil {
		return domain.ItemRow{}, err
	}
	return stored, nil
}

// PurgeExpiredSessions removes expired sessions and their items. Both
// collections also carry a TTL index on expires_at, so documents may already
// be gone when this runs.
func (m *MongoRepository) PurgeExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	filter := bson.M{"expires_at": bson.M{"$lt": before}}
	if _, err := m.items.DeleteMany(ctx, filter); err != nil {
		return 0, fmt.Errorf("failed to delete expired items: %w", err)
	}
	res, err := m.sessions.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return res.DeletedCount, nil
}

func (m *MongoRepository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := m.outbox.Find(ctx, bson.M{"processed_at": nil}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	var docs []outboxDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode outbox: %w", err)
	}

	events := make([]*OutboxEvent, 0, len(docs))
	for _, doc := range docs {
		events = append(events, &OutboxEvent{
			ID:          doc.ID,
			AggregateId: doc.AggregateId,
			EventType:   doc.EventType,
			Payload:     []byte(doc.Payload),
			CreatedAt:   doc.CreatedAt,
		})
	}
	return events, nil
}

func (m *MongoRepository) MarkEventAsProcessed(ctx context.Context, id string) error {
	_, err := m.outbox.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"processed_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("failed to mark outbox event: %w", err)
	}
	return nil
}

func (m *MongoRepository) PurgeProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := m.outbox.DeleteMany(ctx, bson.M{"processed_at": bson.M{"$ne": nil, "$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return res.DeletedCount, nil
}

func (m *MongoRepository) CreateIndexes(ctx context.Context) error {
	sessionIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}
	if _, err := m.sessions.Indexes().CreateMany(ctx, sessionIndexes); err != nil {
		return fmt.Errorf("failed to create session indexes: %w", err)
	}

	itemIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "product_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "added_at", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}
	if _, err := m.items.Indexes().CreateMany(ctx, itemIndexes); err != nil {
		return fmt.Errorf("failed to create item indexes: %w", err)
	}

	outboxIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "processed_at", Value: 1}, {Key: "_id", Value: 1}},
		},
	}
	if _, err := m.outbox.Indexes().CreateMany(ctx, outboxIndexes); err != nil {
		return fmt.Errorf("failed to create outbox indexes: %w", err)
	}

	return nil
}

func (m *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.items.Database().Client().Disconnect(ctx)
}

func (m *MongoRepository) insertOutbox(ctx context.Context, eventType domain.EventType, row domain.ItemRow, now time.Time) error {
	ev, err := newOutboxEvent(eventType, row, now)
	if err != nil {
		return err
	}
	doc := outboxDocument{
		ID:          ev.ID,
		AggregateId: ev.AggregateId,
		EventType:   ev.EventType,
		Payload:     string(ev.Payload),
		CreatedAt:   ev.CreatedAt,
	}
	if _, err := m.outbox.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}
