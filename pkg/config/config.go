// Package config loads service settings from an optional YAML file and SWRCACHE_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/go-swrcache/pkg/cache"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. SWRCACHE_REDIS_ADDR.
const EnvPrefix = "SWRCACHE"

// Config is the full service configuration.
type Config struct {
	App       AppConfig
	GCP       GCPConfig
	Stores    StoresConfig
	Resources ResourcesConfig
	Redis     RedisConfig
	MQTT      MQTTConfig
	PubSub    PubSubConfig
	Snapshot  SnapshotConfig
	Firestore FirestoreConfig
	BigQuery  BigQueryConfig
}

type AppConfig struct {
	Name     string
	HTTPPort string
	LogLevel string // debug, info, warn, error
}

type GCPConfig struct {
	ProjectID       string
	CredentialsFile string
}

// StoresConfig holds the default TTL of each named store.
type StoresConfig struct {
	GlobalTTL time.Duration
	APITTL    time.Duration
	UserTTL   time.Duration
	StaticTTL time.Duration
}

// ResourcesConfig sets the revalidation triggers of the service's bindings.
type ResourcesConfig struct {
	RevalidateOnFocus     bool
	RevalidateOnReconnect bool
	RefreshInterval       time.Duration
}

type RedisConfig struct {
	Enabled         bool
	Addr            string
	Password        string
	DB              int
	KeyPrefix       string
	TTL             time.Duration
	MonitorInterval time.Duration
}

type MQTTConfig struct {
	BrokerURL      string
	FocusTopic     string
	ClientIDPrefix string
	Username       string
	Password       string
}

type PubSubConfig struct {
	TopicID        string
	SubscriptionID string
}

type SnapshotConfig struct {
	Bucket   string
	Prefix   string
	Interval time.Duration
}

type FirestoreConfig struct {
	VendorsCollection    string
	AccountsCollection   string
	CategoriesCollection string
}

type BigQueryConfig struct {
	DRESQL  string
	MaxRows int
}

// Load reads path when given, otherwise looks for swrcache.yaml in the working directory and
// /etc/swrcache. A missing default file is not an error. Environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("swrcache")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/swrcache")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name:     v.GetString("app.name"),
			HTTPPort: v.GetString("app.http_port"),
			LogLevel: v.GetString("app.log_level"),
		},
		GCP: GCPConfig{
			ProjectID:       v.GetString("gcp.project_id"),
			CredentialsFile: v.GetString("gcp.credentials_file"),
		},
		Stores: StoresConfig{
			GlobalTTL: v.GetDuration("stores.global_ttl"),
			APITTL:    v.GetDuration("stores.api_ttl"),
			UserTTL:   v.GetDuration("stores.user_ttl"),
			StaticTTL: v.GetDuration("stores.static_ttl"),
		},
		Resources: ResourcesConfig{
			RevalidateOnFocus:     v.GetBool("resources.revalidate_on_focus"),
			RevalidateOnReconnect: v.GetBool("resources.revalidate_on_reconnect"),
			RefreshInterval:       v.GetDuration("resources.refresh_interval"),
		},
		Redis: RedisConfig{
			Enabled:         v.GetBool("redis.enabled"),
			Addr:            v.GetString("redis.addr"),
			Password:        v.GetString("redis.password"),
			DB:              v.GetInt("redis.db"),
			KeyPrefix:       v.GetString("redis.key_prefix"),
			TTL:             v.GetDuration("redis.ttl"),
			MonitorInterval: v.GetDuration("redis.monitor_interval"),
		},
		MQTT: MQTTConfig{
			BrokerURL:      v.GetString("mqtt.broker_url"),
			FocusTopic:     v.GetString("mqtt.focus_topic"),
			ClientIDPrefix: v.GetString("mqtt.client_id_prefix"),
			Username:       v.GetString("mqtt.username"),
			Password:       v.GetString("mqtt.password"),
		},
		PubSub: PubSubConfig{
			TopicID:        v.GetString("pubsub.topic_id"),
			SubscriptionID: v.GetString("pubsub.subscription_id"),
		},
		Snapshot: SnapshotConfig{
			Bucket:   v.GetString("snapshot.bucket"),
			Prefix:   v.GetString("snapshot.prefix"),
			Interval: v.GetDuration("snapshot.interval"),
		},
		Firestore: FirestoreConfig{
			VendorsCollection:    v.GetString("firestore.vendors_collection"),
			AccountsCollection:   v.GetString("firestore.accounts_collection"),
			CategoriesCollection: v.GetString("firestore.categories_collection"),
		},
		BigQuery: BigQueryConfig{
			DRESQL:  v.GetString("bigquery.dre_sql"),
			MaxRows: v.GetInt("bigquery.max_rows"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	policies := cache.DefaultPolicies()

	v.SetDefault("app.name", "swrcache")
	v.SetDefault("app.http_port", ":8080")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("stores.global_ttl", policies[cache.StoreGlobal].DefaultTTL)
	v.SetDefault("stores.api_ttl", policies[cache.StoreAPI].DefaultTTL)
	v.SetDefault("stores.user_ttl", policies[cache.StoreUser].DefaultTTL)
	v.SetDefault("stores.static_ttl", policies[cache.StoreStatic].DefaultTTL)

	v.SetDefault("resources.revalidate_on_focus", true)
	v.SetDefault("resources.revalidate_on_reconnect", true)
	v.SetDefault("resources.refresh_interval", time.Duration(0))

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "swrcache:")
	v.SetDefault("redis.ttl", 30*time.Minute)
	v.SetDefault("redis.monitor_interval", 5*time.Second)

	v.SetDefault("mqtt.focus_topic", "swrcache/focus")
	v.SetDefault("mqtt.client_id_prefix", "swrcache")

	v.SetDefault("snapshot.prefix", "swrcache")
	v.SetDefault("snapshot.interval", 5*time.Minute)

	v.SetDefault("firestore.vendors_collection", "fornecedores")
	v.SetDefault("firestore.accounts_collection", "contas")
	v.SetDefault("firestore.categories_collection", "categorias")

	v.SetDefault("bigquery.max_rows", 10000)
}

func (c *Config) validate() error {
	if c.App.HTTPPort == "" {
		return errors.New("app.http_port is required")
	}
	for name, ttl := range map[string]time.Duration{
		"stores.global_ttl": c.Stores.GlobalTTL,
		"stores.api_ttl":    c.Stores.APITTL,
		"stores.user_ttl":   c.Stores.UserTTL,
		"stores.static_ttl": c.Stores.StaticTTL,
	} {
		if ttl <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, ttl)
		}
	}
	if c.Resources.RefreshInterval < 0 {
		return errors.New("resources.refresh_interval cannot be negative")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	if (c.PubSub.TopicID != "" || c.PubSub.SubscriptionID != "") && c.GCP.ProjectID == "" {
		return errors.New("gcp.project_id is required for pubsub invalidation")
	}
	if c.Snapshot.Bucket != "" && c.Snapshot.Interval <= 0 {
		return errors.New("snapshot.interval must be positive")
	}
	return nil
}

// Policies returns the store TTL table for cache.NewRegistry.
func (c *Config) Policies() map[cache.StoreType]cache.Policy {
	return map[cache.StoreType]cache.Policy{
		cache.StoreGlobal: {DefaultTTL: c.Stores.GlobalTTL},
		cache.StoreAPI:    {DefaultTTL: c.Stores.APITTL},
		cache.StoreUser:   {DefaultTTL: c.Stores.UserTTL},
		cache.StoreStatic: {DefaultTTL: c.Stores.StaticTTL},
	}
}
