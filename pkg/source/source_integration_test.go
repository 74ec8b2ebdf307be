//go:build integration

package source_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-swrcache/pkg/cache"
	"github.com/illmade-knight/go-swrcache/pkg/source"
	"github.com/illmade-knight/go-swrcache/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T, ctx context.Context) *redis.Client {
	t.Helper()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	client, err := source.NewRedisClient(ctx, &source.RedisConfig{Addr: opts.Addr}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisSource_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)
	client := setupRedis(t, ctx)

	fallback := func(_ context.Context, id string) (types.Vendor, error) {
		return types.Vendor{ID: id, Name: "source " + id}, nil
	}
	src, err := source.NewRedisSource[types.Vendor](&source.RedisConfig{KeyPrefix: "it:", TTL: time.Minute}, client, fallback, zerolog.Nop())
	require.NoError(t, err)

	t.Run("read-through writes back", func(t *testing.T) {
		got, err := src.Fetch(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, "source v1", got.Name)
		src.Wait()

		exists, err := client.Exists(ctx, "it:v1").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), exists)
	})

	t.Run("TTL expires", func(t *testing.T) {
		short, err := source.NewRedisSource[types.Vendor](&source.RedisConfig{KeyPrefix: "it:", TTL: 100 * time.Millisecond}, client, nil, zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, short.Write(ctx, "ttl", types.Vendor{ID: "ttl"}))

		// Verifying a time-based feature.
		time.Sleep(150 * time.Millisecond)

		_, err = short.Fetch(ctx, "ttl")
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})
}

func setupFirestore(t *testing.T, ctx context.Context, projectID string) *firestore.Client {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators",
		ExposedPorts: []string{"8080/tcp"},
		Cmd:          []string{"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", fmt.Sprintf("--project=%s", projectID)},
		WaitingFor:   wait.ForLog("Dev App Server is now running").WithStartupTimeout(90 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.PortEndpoint(ctx, "8080/tcp", "")
	require.NoError(t, err)
	t.Setenv("FIRESTORE_EMULATOR_HOST", endpoint)

	client, err := firestore.NewClient(ctx, projectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestFirestoreSource_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)
	client := setupFirestore(t, ctx, "test-project")

	src, err := source.NewFirestoreSource[types.Vendor](&source.FirestoreConfig{ProjectID: "test-project", CollectionName: "fornecedores"}, client, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, src.Write(ctx, "b", types.Vendor{ID: "b", Name: "Beta"}))
	require.NoError(t, src.Write(ctx, "a", types.Vendor{ID: "a", Name: "Alfa"}))

	got, err := src.Bind("a")(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Alfa", got.Name)

	all, err := src.BindAll()(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)

	_, err = src.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}
