package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-swrcache/pkg/cache"
	"github.com/illmade-knight/go-swrcache/pkg/config"
	"github.com/illmade-knight/go-swrcache/pkg/invalidation"
	"github.com/illmade-knight/go-swrcache/pkg/microservice"
	"github.com/illmade-knight/go-swrcache/pkg/resource"
	"github.com/illmade-knight/go-swrcache/pkg/revalidate"
	"github.com/illmade-knight/go-swrcache/pkg/snapshot"
	"github.com/illmade-knight/go-swrcache/pkg/source"
	"github.com/illmade-knight/go-swrcache/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", cfg.App.Name).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Service failed.")
	}
}

// closer is run in reverse order of registration on shutdown.
type closer func(ctx context.Context)

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var closers []closer
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i](shutdownCtx)
		}
		logger.Info().Msg("Shutdown complete.")
	}()

	registry := cache.NewRegistry(cfg.Policies(), cache.WithRegistryLogger(logger))
	bus := revalidate.NewBus(logger)
	binder, err := resource.NewBinder(registry, bus, logger)
	if err != nil {
		return err
	}

	var gcpOpts []option.ClientOption
	if cfg.GCP.CredentialsFile != "" {
		gcpOpts = append(gcpOpts, option.WithCredentialsFile(cfg.GCP.CredentialsFile))
	}

	// Snapshots are restored before anything binds so the first fetch failures can fall back.
	if cfg.Snapshot.Bucket != "" {
		gcsClient, err := storage.NewClient(ctx, gcpOpts...)
		if err != nil {
			return fmt.Errorf("storage.NewClient: %w", err)
		}
		closers = append(closers, func(context.Context) { _ = gcsClient.Close() })

		snapshotter, err := snapshot.NewSnapshotter(&snapshot.Config{
			BucketName:   cfg.Snapshot.Bucket,
			ObjectPrefix: cfg.Snapshot.Prefix,
		}, snapshot.NewGCSClientAdapter(gcsClient), registry, logger)
		if err != nil {
			return err
		}
		if _, err := snapshotter.Restore(ctx); err != nil {
			logger.Warn().Err(err).Msg("Snapshot restore incomplete, continuing with what was loaded.")
		}
		snapshotter.Start(ctx, cfg.Snapshot.Interval)
		closers = append(closers, func(ctx context.Context) {
			if err := snapshotter.Stop(ctx); err != nil {
				logger.Error().Err(err).Msg("Final snapshot failed.")
			}
		})
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = source.NewRedisClient(ctx, &source.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			return err
		}
		closers = append(closers, func(context.Context) { _ = redisClient.Close() })

		monitor, err := revalidate.NewRedisMonitor(revalidate.RedisMonitorConfig{
			Interval: cfg.Redis.MonitorInterval,
			Timeout:  2 * time.Second,
		}, redisClient, bus, logger)
		if err != nil {
			return err
		}
		monitor.Start(ctx)
		closers = append(closers, func(context.Context) { monitor.Stop() })
	}

	if cfg.MQTT.BrokerURL != "" {
		mqttCfg := revalidate.LoadMQTTWatcherConfigFromEnv()
		mqttCfg.BrokerURL = cfg.MQTT.BrokerURL
		mqttCfg.FocusTopic = cfg.MQTT.FocusTopic
		mqttCfg.ClientIDPrefix = cfg.MQTT.ClientIDPrefix
		mqttCfg.Username = cfg.MQTT.Username
		mqttCfg.Password = cfg.MQTT.Password

		watcher, err := revalidate.NewMQTTWatcher(mqttCfg, bus, logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			logger.Warn().Err(err).Msg("MQTT watcher unavailable, focus events only arrive over HTTP.")
		} else {
			closers = append(closers, func(context.Context) { watcher.Stop() })
		}
	}

	var broadcaster microservice.Broadcaster
	if cfg.GCP.ProjectID != "" && cfg.PubSub.TopicID != "" {
		psClient, err := pubsub.NewClient(ctx, cfg.GCP.ProjectID, gcpOpts...)
		if err != nil {
			return fmt.Errorf("pubsub.NewClient: %w", err)
		}
		closers = append(closers, func(context.Context) { _ = psClient.Close() })

		origin := invalidation.NewOrigin()
		publisher, err := invalidation.NewPublisher(ctx, psClient, cfg.PubSub.TopicID, origin, logger)
		if err != nil {
			return err
		}
		closers = append(closers, func(ctx context.Context) { _ = publisher.Stop(ctx) })
		broadcaster = publisher

		if cfg.PubSub.SubscriptionID != "" {
			listener, err := invalidation.NewListener(ctx, invalidation.LoadDefaultListenerConfig(cfg.PubSub.SubscriptionID), psClient, registry, bus, origin, logger)
			if err != nil {
				return err
			}
			if err := listener.Start(ctx); err != nil {
				return err
			}
			closers = append(closers, func(context.Context) { _ = listener.Stop() })
		}
	}

	if cfg.GCP.ProjectID != "" {
		bindings, err := bindFinanceResources(ctx, cfg, binder, redisClient, gcpOpts, logger)
		closers = append(closers, bindings...)
		if err != nil {
			return err
		}
	} else {
		logger.Warn().Msg("No GCP project configured, serving the cache without bound resources.")
	}

	admin, err := microservice.NewAdminHandler(registry, binder, bus, broadcaster, logger)
	if err != nil {
		return err
	}
	server := microservice.NewBaseServer(logger, cfg.App.HTTPPort)
	admin.Register(server.Mux())
	if err := server.Start(); err != nil {
		return err
	}
	closers = append(closers, func(ctx context.Context) {
		server.SetReady(false)
		_ = server.Shutdown(ctx)
	})
	server.SetReady(true)
	logger.Info().Str("port", server.GetHTTPPort()).Strs("resources", binder.Names()).Msg("Cache service ready.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")
	return nil
}

// bindFinanceResources binds the vendor, account and category lists and the current month's
// income statement. It returns the closers of everything it bound, even on error.
func bindFinanceResources(ctx context.Context, cfg *config.Config, binder *resource.Binder, redisClient *redis.Client, gcpOpts []option.ClientOption, logger zerolog.Logger) ([]closer, error) {
	var closers []closer

	fsClient, err := firestore.NewClient(ctx, cfg.GCP.ProjectID, gcpOpts...)
	if err != nil {
		return closers, fmt.Errorf("firestore.NewClient: %w", err)
	}
	closers = append(closers, func(context.Context) { _ = fsClient.Close() })

	vendors, err := source.NewFirestoreSource[types.Vendor](&source.FirestoreConfig{
		ProjectID:      cfg.GCP.ProjectID,
		CollectionName: cfg.Firestore.VendorsCollection,
	}, fsClient, logger)
	if err != nil {
		return closers, err
	}
	accounts, err := source.NewFirestoreSource[types.Account](&source.FirestoreConfig{
		ProjectID:      cfg.GCP.ProjectID,
		CollectionName: cfg.Firestore.AccountsCollection,
	}, fsClient, logger)
	if err != nil {
		return closers, err
	}
	categories, err := source.NewFirestoreSource[types.Category](&source.FirestoreConfig{
		ProjectID:      cfg.GCP.ProjectID,
		CollectionName: cfg.Firestore.CategoriesCollection,
	}, fsClient, logger)
	if err != nil {
		return closers, err
	}

	// With redis enabled, instances share the vendor list through it.
	vendorFetch := vendors.BindAll()
	if redisClient != nil {
		shared, err := source.NewRedisSource[[]types.Vendor](&source.RedisConfig{
			KeyPrefix: cfg.Redis.KeyPrefix + "fornecedores:",
			TTL:       cfg.Redis.TTL,
		}, redisClient, func(ctx context.Context, _ string) ([]types.Vendor, error) {
			return vendors.FetchAll(ctx)
		}, logger)
		if err != nil {
			return closers, err
		}
		closers = append(closers, func(context.Context) { shared.Wait() })
		vendorFetch = shared.Bind("all")
	}

	rc := cfg.Resources
	vendorRes, err := resource.Bind(ctx, binder, "fornecedores:all", vendorFetch, resource.Config[[]types.Vendor]{
		Name:                  "fornecedores",
		StoreType:             "fornecedores",
		RevalidateOnFocus:     rc.RevalidateOnFocus,
		RevalidateOnReconnect: rc.RevalidateOnReconnect,
		RefreshInterval:       rc.RefreshInterval,
	})
	if err != nil {
		return closers, err
	}
	closers = append(closers, func(context.Context) { vendorRes.Close() })

	accountRes, err := resource.Bind(ctx, binder, "contas:all", accounts.BindAll(), resource.Config[[]types.Account]{
		Name:                  "contas",
		StoreType:             "contas",
		RevalidateOnFocus:     rc.RevalidateOnFocus,
		RevalidateOnReconnect: rc.RevalidateOnReconnect,
		RefreshInterval:       rc.RefreshInterval,
	})
	if err != nil {
		return closers, err
	}
	closers = append(closers, func(context.Context) { accountRes.Close() })

	categoryRes, err := bindCategories(ctx, binder, categories.BindAll(), rc)
	if err != nil {
		return closers, err
	}
	closers = append(closers, func(context.Context) { categoryRes.Close() })

	if cfg.BigQuery.DRESQL == "" {
		return closers, nil
	}

	bqClient, err := source.NewProductionBigQueryClient(ctx, cfg.GCP.ProjectID, cfg.GCP.CredentialsFile, logger)
	if err != nil {
		return closers, err
	}
	closers = append(closers, func(context.Context) { _ = bqClient.Close() })
	runner, err := source.NewBigQueryRunner(bqClient)
	if err != nil {
		return closers, err
	}
	dre, err := source.NewBigQuerySource[types.DRELine](&source.BigQueryConfig{
		SQL:     cfg.BigQuery.DRESQL,
		MaxRows: cfg.BigQuery.MaxRows,
	}, runner, logger)
	if err != nil {
		return closers, err
	}

	period := time.Now().Format("2006-01")
	dreRes, err := resource.Bind(ctx, binder, "dre:"+period, dre.Bind(bigquery.QueryParameter{Name: "period", Value: period}), resource.Config[[]types.DRELine]{
		Name:                  "dre",
		StoreType:             string(cache.StoreAPI),
		RevalidateOnFocus:     rc.RevalidateOnFocus,
		RevalidateOnReconnect: rc.RevalidateOnReconnect,
		RefreshInterval:       rc.RefreshInterval,
		OnError: func(err error) {
			if !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Str("period", period).Msg("Income statement refresh failed.")
			}
		},
	})
	if err != nil {
		return closers, err
	}
	closers = append(closers, func(context.Context) { dreRes.Close() })

	return closers, nil
}

// bindCategories binds the category list under the categorias alias. Categories only change on
// explicit invalidation, so they skip focus revalidation.
func bindCategories(ctx context.Context, binder *resource.Binder, fetch cache.Fetcher[[]types.Category], rc config.ResourcesConfig) (*resource.Resource[[]types.Category], error) {
	return resource.Bind(ctx, binder, "categorias:all", fetch, resource.Config[[]types.Category]{
		Name:                  "categorias",
		StoreType:             "categorias",
		RevalidateOnReconnect: rc.RevalidateOnReconnect,
	})
}
