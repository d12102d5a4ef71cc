package presence

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig selects the project and collection holding presence documents.
type FirestoreConfig struct {
	ProjectID  string
	Collection string
}

// FirestorePresenceCache stores one document per key. It suits deployments
// that already run on GCP and do not want a dedicated Redis instance.
type FirestorePresenceCache[K comparable, V any] struct {
	client     *firestore.Client
	collection string
	ownsClient bool
}

// NewFirestorePresenceCache wraps an existing client. The caller keeps
// ownership of the client.
func NewFirestorePresenceCache[K comparable, V any](client *firestore.Client, collectionName string) (*FirestorePresenceCache[K, V], error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if collectionName == "" {
		return nil, errors.New("firestore collection name cannot be empty")
	}
	return &FirestorePresenceCache[K, V]{
		client:     client,
		collection: collectionName,
	}, nil
}

// DialFirestorePresenceCache creates its own client for cfg.ProjectID and
// closes it on Close. FIRESTORE_EMULATOR_HOST is honoured by the client.
func DialFirestorePresenceCache[K comparable, V any](ctx context.Context, cfg *FirestoreConfig, logger zerolog.Logger) (*FirestorePresenceCache[K, V], error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore presence cache requires a project ID")
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	c, err := NewFirestorePresenceCache[K, V](client, cfg.Collection)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	c.ownsClient = true
	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.Collection).Msg("Using Firestore for PresenceCache.")
	return c, nil
}

// Set creates or overwrites a document with the presence information.
func (c *FirestorePresenceCache[K, V]) Set(ctx context.Context, key K, value V) error {
	stringKey := fmt.Sprintf("%v", key)
	_, err := c.client.Collection(c.collection).Doc(stringKey).Set(ctx, value)
	if err != nil {
		return fmt.Errorf("failed to set presence in firestore for key %s: %w", stringKey, err)
	}
	return nil
}

// Fetch retrieves a document and maps it to the value type.
func (c *FirestorePresenceCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := fmt.Sprintf("%v", key)
	docSnap, err := c.client.Collection(c.collection).Doc(stringKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return zero, fmt.Errorf("key '%v' %w", key, ErrNotFound)
		}
		return zero, fmt.Errorf("firestore get failed for key %s: %w", stringKey, err)
	}
	var value V
	if err := docSnap.DataTo(&value); err != nil {
		return zero, fmt.Errorf("failed to unmarshal presence data for key %s: %w", stringKey, err)
	}
	return value, nil
}

// Delete removes the document. Deleting a missing key is not an error.
func (c *FirestorePresenceCache[K, V]) Delete(ctx context.Context, key K) error {
	stringKey := fmt.Sprintf("%v", key)
	_, err := c.client.Collection(c.collection).Doc(stringKey).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore delete failed for key %s: %w", stringKey, err)
	}
	return nil
}

// Close releases the client if this cache created it.
func (c *FirestorePresenceCache[K, V]) Close() error {
	if c.ownsClient {
		return c.client.Close()
	}
	return nil
}
