package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"chatgate/internal/protocol"
)

// userDocument mirrors the account service's users collection. Only the
// fields the gateway needs are decoded.
type userDocument struct {
	UserID   string `bson:"user_id"`
	Username string `bson:"username"`
	Role     string `bson:"role,omitempty"`
	Avatar   string `bson:"avatar,omitempty"`
	Active   bool   `bson:"active"`
}

// Mongo is the production Directory, reading the account service's user
// collection.
type Mongo struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

// MongoConfig locates the shared user store.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// NewMongo connects and pings the user store. The gateway fails startup on
// an unreachable directory only when auth is strict; optional-mode callers
// may choose to continue degraded.
func NewMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if cfg.Collection == "" {
		cfg.Collection = "users"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to user store: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping user store: %w", err)
	}

	return &Mongo{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		timeout:    cfg.Timeout,
	}, nil
}

// FindByID fetches the profile for userID. Inactive and missing users both
// resolve to (nil, nil).
func (m *Mongo) FindByID(ctx context.Context, userID string) (*protocol.UserProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var doc userDocument
	err := m.collection.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if !doc.Active {
		return nil, nil
	}

	return &protocol.UserProfile{
		ID:       doc.UserID,
		Username: doc.Username,
		Role:     doc.Role,
		Avatar:   doc.Avatar,
	}, nil
}

// Close releases the underlying client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
