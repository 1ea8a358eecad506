// Package config loads marginwatch configuration from a yaml file and
// MARGINWATCH_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/marginwatch/marginwatch/internal/messaging"
)

// Config is the full runtime configuration.
type Config struct {
	LogLevel string                   `mapstructure:"log_level"`
	Kafka    messaging.KafkaConfig    `mapstructure:"kafka"`
	Topic    string                   `mapstructure:"topic"`
	Group    string                   `mapstructure:"group"`
	Consumer messaging.ConsumerConfig `mapstructure:"consumer"`
	Redis    RedisConfig              `mapstructure:"redis"`
	Metrics  MetricsConfig            `mapstructure:"metrics"`
}

// RedisConfig locates the keyed state store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MetricsConfig locates the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoadConfig reads configuration, applying defaults, an optional config file
// (path may be empty), then environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MARGINWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	kafka := messaging.DefaultKafkaConfig()
	consumer := messaging.DefaultConsumerConfig()

	v.SetDefault("log_level", "info")
	v.SetDefault("topic", "margin.alerts")
	v.SetDefault("group", "alert-dispatch")

	v.SetDefault("kafka.brokers", kafka.Brokers)
	v.SetDefault("kafka.read_timeout", kafka.ReadTimeout)
	v.SetDefault("kafka.write_timeout", kafka.WriteTimeout)
	v.SetDefault("kafka.batch_size", kafka.BatchSize)
	v.SetDefault("kafka.batch_timeout", kafka.BatchTimeout)
	v.SetDefault("kafka.required_acks", kafka.RequiredAcks)
	v.SetDefault("kafka.compression", kafka.Compression)
	v.SetDefault("kafka.retry_max", kafka.RetryMax)
	v.SetDefault("kafka.consumer_group_prefix", kafka.ConsumerGroupPrefix)
	v.SetDefault("kafka.max_message_bytes", kafka.MaxMessageBytes)

	v.SetDefault("consumer.workers", consumer.Workers)
	v.SetDefault("consumer.queue_size", consumer.QueueSize)
	v.SetDefault("consumer.handler_timeout", consumer.HandlerTimeout)
	v.SetDefault("consumer.shutdown_grace", consumer.ShutdownGrace)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("metrics.addr", ":9109")
}
