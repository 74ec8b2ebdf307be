package source

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-swrcache/pkg/cache"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// RowIterator yields query rows. *bigquery.RowIterator satisfies it.
type RowIterator interface {
	Next(dst interface{}) error
}

// QueryRunner runs a parameterized query.
type QueryRunner interface {
	Read(ctx context.Context, sql string, params []bigquery.QueryParameter) (RowIterator, error)
}

// NewProductionBigQueryClient creates a BigQuery client, using credentialsFile when set and
// Application Default Credentials otherwise.
func NewProductionBigQueryClient(ctx context.Context, projectID string, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client.")
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

type bigQueryRunner struct {
	client *bigquery.Client
}

// NewBigQueryRunner adapts a client into a QueryRunner.
func NewBigQueryRunner(client *bigquery.Client) (QueryRunner, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	return &bigQueryRunner{client: client}, nil
}

func (r *bigQueryRunner) Read(ctx context.Context, sql string, params []bigquery.QueryParameter) (RowIterator, error) {
	q := r.client.Query(sql)
	q.Parameters = params
	it, err := q.Read(ctx)
	if err != nil {
		return nil, err
	}
	return it, nil
}

// BigQueryConfig holds one report query.
type BigQueryConfig struct {
	SQL string
	// MaxRows stops reading after this many rows. Zero means no cap.
	MaxRows int
}

// BigQuerySource runs a report query and collects its rows into []V.
type BigQuerySource[V any] struct {
	runner  QueryRunner
	sql     string
	maxRows int
	logger  zerolog.Logger
}

// NewBigQuerySource creates a source for cfg.SQL.
func NewBigQuerySource[V any](cfg *BigQueryConfig, runner QueryRunner, logger zerolog.Logger) (*BigQuerySource[V], error) {
	if runner == nil {
		return nil, errors.New("query runner cannot be nil")
	}
	if cfg == nil || cfg.SQL == "" {
		return nil, errors.New("query SQL is required")
	}
	return &BigQuerySource[V]{
		runner:  runner,
		sql:     cfg.SQL,
		maxRows: cfg.MaxRows,
		logger:  logger.With().Str("component", "BigQuerySource").Logger(),
	}, nil
}

// Query runs the query with params.
func (s *BigQuerySource[V]) Query(ctx context.Context, params ...bigquery.QueryParameter) ([]V, error) {
	it, err := s.runner.Read(ctx, s.sql, params)
	if err != nil {
		return nil, fmt.Errorf("bigquery read: %w", err)
	}

	rows := make([]V, 0)
	for s.maxRows == 0 || len(rows) < s.maxRows {
		var row V
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bigquery row %d: %w", len(rows), err)
		}
		rows = append(rows, row)
	}
	s.logger.Debug().Int("rows", len(rows)).Msg("Report query finished.")
	return rows, nil
}

// Bind returns a fetcher that runs the query with fixed params.
func (s *BigQuerySource[V]) Bind(params ...bigquery.QueryParameter) cache.Fetcher[[]V] {
	return func(ctx context.Context) ([]V, error) {
		return s.Query(ctx, params...)
	}
}
