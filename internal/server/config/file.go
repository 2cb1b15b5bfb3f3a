package config

import (
	"fmt"
	"strings"

	"github.com/dmitrijs2005/paykeeper/internal/flagx"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PAYKEEPER_STORAGE_DSN.
const EnvPrefix = "PAYKEEPER"

// parseFile overlays an optional config file and then the environment.
//
// The file path comes from the -c or -config flag; its format follows the
// extension (json, yaml, toml). Environment variables take precedence over
// the file. Keys that are absent in both keep the value already in config.
func parseFile(config *Config, args []string) error {
	v := viper.New()
	registerDefaults(v, config)

	if path := flagx.ConfigFileFlag(args); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// registerDefaults makes every key known to viper so AutomaticEnv can
// override it during Unmarshal.
func registerDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("http_addr", c.HTTPAddr)
	v.SetDefault("grpc_addr", c.GRPCAddr)

	v.SetDefault("storage.driver", c.Storage.Driver)
	v.SetDefault("storage.dsn", c.Storage.DSN)

	v.SetDefault("secret.source", c.Secret.Source)
	v.SetDefault("secret.master_secret", c.Secret.MasterSecret)
	v.SetDefault("secret.vault_addr", c.Secret.VaultAddr)
	v.SetDefault("secret.vault_token", c.Secret.VaultToken)
	v.SetDefault("secret.vault_mount", c.Secret.VaultMount)
	v.SetDefault("secret.vault_path", c.Secret.VaultPath)
	v.SetDefault("secret.vault_key", c.Secret.VaultKey)

	v.SetDefault("security.kdf_iterations", c.Security.KDFIterations)
	v.SetDefault("security.token_validity", c.Security.TokenValidity)
	v.SetDefault("security.jwt_secret", c.Security.JWTSecret)
	v.SetDefault("security.jwt_validity", c.Security.JWTValidity)
	v.SetDefault("security.idempotency_ttl", c.Security.IdempotencyTTL)

	v.SetDefault("intents.ttl", c.Intents.TTL)
	v.SetDefault("intents.max_amount", c.Intents.MaxAmount)

	v.SetDefault("settlement.delay", c.Settlement.Delay)
	v.SetDefault("settlement.acceptance_rate", c.Settlement.AcceptanceRate)
	v.SetDefault("settlement.workers", c.Settlement.Workers)
	v.SetDefault("settlement.poll_interval", c.Settlement.PollInterval)
	v.SetDefault("settlement.batch_size", c.Settlement.BatchSize)
	v.SetDefault("settlement.stuck_after", c.Settlement.StuckAfter)
	v.SetDefault("settlement.janitor_interval", c.Settlement.JanitorInterval)
	v.SetDefault("settlement.expired_grace", c.Settlement.ExpiredGrace)

	v.SetDefault("queue.driver", c.Queue.Driver)
	v.SetDefault("queue.redis_addr", c.Queue.RedisAddr)
	v.SetDefault("queue.redis_password", c.Queue.RedisPassword)
	v.SetDefault("queue.redis_db", c.Queue.RedisDB)
	v.SetDefault("queue.key_prefix", c.Queue.KeyPrefix)

	v.SetDefault("events.driver", c.Events.Driver)
	v.SetDefault("events.kafka_brokers", c.Events.KafkaBrokers)
	v.SetDefault("events.kafka_topic", c.Events.KafkaTopic)

	v.SetDefault("archive.enabled", c.Archive.Enabled)
	v.SetDefault("archive.s3_root_user", c.Archive.S3RootUser)
	v.SetDefault("archive.s3_root_password", c.Archive.S3RootPassword)
	v.SetDefault("archive.s3_bucket", c.Archive.S3Bucket)
	v.SetDefault("archive.s3_region", c.Archive.S3Region)
	v.SetDefault("archive.s3_base_endpoint", c.Archive.S3BaseEndpoint)
	v.SetDefault("archive.presign_ttl", c.Archive.PresignTTL)

	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
}
