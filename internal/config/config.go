package config

import "time"

// Store backends.
const (
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

// Config represents the complete application configuration.
type Config struct {
	Node  NodeConfig  `koanf:"node"`
	Store StoreConfig `koanf:"store"`
	Jobs  []JobConfig `koanf:"jobs"`
}

// NodeConfig contains node-specific settings.
type NodeConfig struct {
	ID string `koanf:"id"`
}

// StoreConfig selects and configures the lease store backend.
type StoreConfig struct {
	Backend  string         `koanf:"backend"`
	Redis    RedisConfig    `koanf:"redis"`
	DynamoDB DynamoDBConfig `koanf:"dynamodb"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Address   string `koanf:"address"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

// DynamoDBConfig contains DynamoDB table settings.
type DynamoDBConfig struct {
	Table         string `koanf:"table"`
	Region        string `koanf:"region"`
	Endpoint      string `koanf:"endpoint"`
	CreateTable   bool   `koanf:"create_table"`
	ReadCapacity  int64  `koanf:"read_capacity"`
	WriteCapacity int64  `koanf:"write_capacity"`
}

// JobConfig defines a scheduled job.
type JobConfig struct {
	Name           string            `koanf:"name"`
	Schedule       string            `koanf:"schedule"`
	Command        string            `koanf:"command"`
	Timeout        time.Duration     `koanf:"timeout"`
	LockAtMostFor  time.Duration     `koanf:"lock_at_most_for"`
	LockAtLeastFor time.Duration     `koanf:"lock_at_least_for"`
	WorkDir        string            `koanf:"work_dir"`
	Env            map[string]string `koanf:"env"`
	OnFailure      string            `koanf:"on_failure"`
	OnSuccess      string            `koanf:"on_success"`
	Enabled        *bool             `koanf:"enabled"`
}

// IsEnabled returns whether the job is enabled. Defaults to true if not specified.
func (j JobConfig) IsEnabled() bool {
	if j.Enabled == nil {
		return true
	}
	return *j.Enabled
}

// EffectiveLockAtMostFor returns the lease ceiling for the job. When not
// configured it is derived from the timeout plus a safety margin, or falls
// back to five minutes.
func (j JobConfig) EffectiveLockAtMostFor() time.Duration {
	if j.LockAtMostFor > 0 {
		return j.LockAtMostFor
	}
	if j.Timeout > 0 {
		return j.Timeout + time.Minute
	}
	return 5 * time.Minute
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Node: NodeConfig{
			ID: "",
		},
		Store: StoreConfig{
			Backend: BackendRedis,
			Redis: RedisConfig{
				Address:   "localhost:6379",
				KeyPrefix: "leaselock:",
			},
			DynamoDB: DynamoDBConfig{
				Table:         "leaselock",
				ReadCapacity:  1,
				WriteCapacity: 1,
			},
		},
		Jobs: []JobConfig{},
	}
}
