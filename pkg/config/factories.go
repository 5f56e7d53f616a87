package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"
	goredis "github.com/redis/go-redis/v9"

	"github.com/marmos91/feedmail/internal/logger"
	"github.com/marmos91/feedmail/internal/ratelimiter"
	"github.com/marmos91/feedmail/pkg/metrics"
	"github.com/marmos91/feedmail/pkg/store/kv"
	"github.com/marmos91/feedmail/pkg/store/kv/badger"
	"github.com/marmos91/feedmail/pkg/store/kv/memory"
	"github.com/marmos91/feedmail/pkg/store/kv/redis"
	"github.com/marmos91/feedmail/pkg/store/kv/s3"
)

// CreateStore creates the key-value backend described by cfg.
//
// The Type field selects the implementation; the matching type-specific map
// is decoded and passed to its constructor. The returned store is wrapped,
// innermost first, by the rate limiter (when store.rate_limit is set) and by
// Prometheus instrumentation (when metrics are enabled).
//
// Supported types:
//   - "memory": pkg/store/kv/memory (ephemeral)
//   - "badger": pkg/store/kv/badger (embedded, persistent)
//   - "redis": pkg/store/kv/redis (shared server)
//   - "s3": pkg/store/kv/s3 (Amazon S3 or compatible storage)
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Store configuration
//
// Returns:
//   - kv.Store: Initialized store
//   - error: Configuration or initialization error
func CreateStore(ctx context.Context, cfg *StoreConfig) (kv.Store, error) {
	var (
		store kv.Store
		err   error
	)

	switch cfg.Type {
	case "memory":
		store, err = createMemoryStore(ctx)
	case "badger":
		store, err = createBadgerStore(ctx, cfg.Badger)
	case "redis":
		store, err = createRedisStore(ctx, cfg.Redis)
	case "s3":
		store, err = createS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown store type: %q (supported: memory, badger, redis, s3)", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if rps := cfg.RateLimit.RequestsPerSecond; rps > 0 {
		store = kv.NewRateLimitedStore(store, ratelimiter.New(rps, cfg.RateLimit.Burst))
		logger.Info("Store rate limit: %d req/s, burst %d", rps, cfg.RateLimit.Burst)
	}

	return kv.NewInstrumentedStore(store, metrics.NewStoreMetrics(cfg.Type)), nil
}

func createMemoryStore(ctx context.Context) (kv.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger.Warn("Using in-memory store: all feeds are lost on restart")
	return memory.NewMemoryStore(), nil
}

// createBadgerStore creates a BadgerDB-backed persistent store.
func createBadgerStore(ctx context.Context, options map[string]any) (kv.Store, error) {
	type BadgerStoreOptions struct {
		DBPath           string `mapstructure:"db_path"`
		InMemory         bool   `mapstructure:"in_memory"`
		BlockCacheSizeMB int64  `mapstructure:"block_cache_mb"`
		IndexCacheSizeMB int64  `mapstructure:"index_cache_mb"`
		SyncWrites       bool   `mapstructure:"sync_writes"`
	}

	var storeOpts BadgerStoreOptions
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &storeOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(options); err != nil {
		return nil, fmt.Errorf("failed to decode badger store options: %w", err)
	}

	if storeOpts.DBPath == "" && !storeOpts.InMemory {
		return nil, fmt.Errorf("badger store: db_path is required")
	}

	store, err := badger.NewBadgerStore(ctx, badger.BadgerStoreConfig{
		DBPath:           storeOpts.DBPath,
		InMemory:         storeOpts.InMemory,
		BlockCacheSizeMB: storeOpts.BlockCacheSizeMB,
		IndexCacheSizeMB: storeOpts.IndexCacheSizeMB,
		SyncWrites:       storeOpts.SyncWrites,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger store: %w", err)
	}

	logger.Info("Badger store initialized: path=%s in_memory=%v", storeOpts.DBPath, storeOpts.InMemory)
	return store, nil
}

// createRedisStore connects to a single Redis node.
func createRedisStore(ctx context.Context, options map[string]any) (kv.Store, error) {
	type RedisStoreOptions struct {
		Addr      string `mapstructure:"addr"`
		Username  string `mapstructure:"username"`
		Password  string `mapstructure:"password"`
		DB        int    `mapstructure:"db"`
		KeyPrefix string `mapstructure:"key_prefix"`
	}

	var storeOpts RedisStoreOptions
	if err := mapstructure.WeakDecode(options, &storeOpts); err != nil {
		return nil, fmt.Errorf("failed to decode redis store options: %w", err)
	}

	if storeOpts.Addr == "" {
		return nil, fmt.Errorf("redis store: addr is required")
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     storeOpts.Addr,
		Username: storeOpts.Username,
		Password: storeOpts.Password,
		DB:       storeOpts.DB,
	})

	store, err := redis.NewRedisStore(ctx, redis.RedisStoreConfig{
		Client:    client,
		KeyPrefix: storeOpts.KeyPrefix,
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create redis store: %w", err)
	}

	logger.Info("Redis store initialized: addr=%s db=%d prefix=%s", storeOpts.Addr, storeOpts.DB, storeOpts.KeyPrefix)
	return store, nil
}

// createS3Store creates an S3-backed store.
func createS3Store(ctx context.Context, options map[string]any) (kv.Store, error) {
	type S3StoreOptions struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		MaxRetries      int    `mapstructure:"max_retries"`
	}

	var storeCfg S3StoreOptions
	if err := mapstructure.WeakDecode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 store options: %w", err)
	}

	if storeCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 store: bucket is required")
	}
	if storeCfg.Region == "" {
		return nil, fmt.Errorf("S3 store: region is required")
	}

	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	var configOptions []func(*awsConfig.LoadOptions) error

	configOptions = append(configOptions, awsConfig.WithRegion(storeCfg.Region))

	// Custom endpoint for MinIO, Localstack, R2, ...
	if storeCfg.Endpoint != "" {
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
				return aws.Endpoint{
					URL:               storeCfg.Endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		configOptions = append(configOptions, awsConfig.WithEndpointResolverWithOptions(customResolver))
	}

	// Static credentials when given, default credential chain otherwise
	if storeCfg.AccessKeyID != "" && storeCfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			storeCfg.AccessKeyID,
			storeCfg.SecretAccessKey,
			"",
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	// Purges issue many small deletes; throttling (503 SlowDown) is retried.
	maxRetries := storeCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		// Path-style addressing for MinIO/Localstack
		if storeCfg.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	// ========================================================================
	// Step 3: Create S3 Store
	// ========================================================================

	store, err := s3.NewS3Store(ctx, s3.S3StoreConfig{
		Client:    client,
		Bucket:    storeCfg.Bucket,
		KeyPrefix: storeCfg.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 store: %w", err)
	}

	logger.Info("S3 store initialized: bucket=%s, region=%s, prefix=%s",
		storeCfg.Bucket, storeCfg.Region, storeCfg.KeyPrefix)

	return store, nil
}
