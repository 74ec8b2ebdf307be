// Package source adapts the authoritative backends (Firestore, Redis, BigQuery) into the
// fetchers that resource bindings call.
package source

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-swrcache/pkg/cache"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig names the collection a FirestoreSource reads.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
	// MaxDocuments caps FetchAll. Zero means no cap.
	MaxDocuments int
}

// FirestoreSource reads documents of one collection into V.
type FirestoreSource[V any] struct {
	client         *firestore.Client
	collectionName string
	maxDocuments   int
	logger         zerolog.Logger
}

// NewFirestoreSource creates a source over cfg.CollectionName.
func NewFirestoreSource[V any](cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreSource[V], error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if cfg == nil || cfg.CollectionName == "" {
		return nil, errors.New("firestore collection name is required")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreSource initialized.")
	return &FirestoreSource[V]{
		client:         client,
		collectionName: cfg.CollectionName,
		maxDocuments:   cfg.MaxDocuments,
		logger:         logger.With().Str("component", "FirestoreSource").Str("collection", cfg.CollectionName).Logger(),
	}, nil
}

// Fetch reads one document. A missing document wraps cache.ErrNotFound.
func (s *FirestoreSource[V]) Fetch(ctx context.Context, id string) (V, error) {
	var zero V
	snap, err := s.client.Collection(s.collectionName).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Debug().Str("id", id).Msg("Document not found in Firestore.")
			return zero, fmt.Errorf("firestore document %s/%s: %w", s.collectionName, id, cache.ErrNotFound)
		}
		return zero, fmt.Errorf("firestore get for %s: %w", id, err)
	}

	var value V
	if err := snap.DataTo(&value); err != nil {
		return zero, fmt.Errorf("firestore DataTo for %s: %w", id, err)
	}
	return value, nil
}

// FetchAll reads the whole collection, ordered by document ID.
func (s *FirestoreSource[V]) FetchAll(ctx context.Context) ([]V, error) {
	query := s.client.Collection(s.collectionName).OrderBy(firestore.DocumentID, firestore.Asc)
	if s.maxDocuments > 0 {
		query = query.Limit(s.maxDocuments)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	values := make([]V, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore list %s: %w", s.collectionName, err)
		}
		var value V
		if err := snap.DataTo(&value); err != nil {
			return nil, fmt.Errorf("firestore DataTo for %s: %w", snap.Ref.ID, err)
		}
		values = append(values, value)
	}
	s.logger.Debug().Int("documents", len(values)).Msg("Listed Firestore collection.")
	return values, nil
}

// Write stores value under id, replacing the document.
func (s *FirestoreSource[V]) Write(ctx context.Context, id string, value V) error {
	if _, err := s.client.Collection(s.collectionName).Doc(id).Set(ctx, value); err != nil {
		return fmt.Errorf("firestore set for %s: %w", id, err)
	}
	return nil
}

// Bind returns a fetcher for one document.
func (s *FirestoreSource[V]) Bind(id string) cache.Fetcher[V] {
	return cache.KeyedFetcher[string, V](s.Fetch).Bind(id)
}

// BindAll returns a fetcher for the whole collection.
func (s *FirestoreSource[V]) BindAll() cache.Fetcher[[]V] {
	return s.FetchAll
}
