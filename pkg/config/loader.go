package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量前缀，例如 CV_STORAGE_TYPE
const EnvPrefix = "CV"

// Options 控制配置的来源
type Options struct {
	File  string                 // 显式指定的配置文件
	Dirs  []string               // 额外的搜索目录 (仓库的 .cv)，优先于默认目录
	Flags map[string]*pflag.Flag // 配置键 -> 命令行 flag
}

// Load 读取配置，优先级：命令行 flag > 环境变量 > 配置文件 > 默认值
func Load(opts Options) (*Config, error) {
	v := viper.New()

	// 1. 设置默认值
	setDefaults(v, Default())

	// 2. 配置搜索路径
	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		for _, d := range opts.Dirs {
			v.AddConfigPath(d)
		}
		v.AddConfigPath(".")
		v.AddConfigPath(".cv")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".cv"))
		}
		v.SetConfigType("yaml")
		v.SetConfigName("config") // 找 config.yaml
	}

	// 3. 环境变量 (CV_DATABASE_HOST 等)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. 命令行 flag
	for key, f := range opts.Flags {
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", key, err)
		}
	}

	// 5. 读取配置文件；找不到不算错
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("fatal error config file: %w", err)
		}
		slog.Debug("no config file found, using defaults and env vars")
	} else {
		slog.Debug("using config file", slog.String("path", v.ConfigFileUsed()))
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults 把默认配置逐项注册到 viper，环境变量因此能覆盖每个键
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.compression", d.Storage.Compression)
	v.SetDefault("storage.max_object_size", d.Storage.MaxObjectSize)
	v.SetDefault("storage.lru_size", d.Storage.LRUSize)
	v.SetDefault("storage.s3.endpoint", d.Storage.S3.Endpoint)
	v.SetDefault("storage.s3.region", d.Storage.S3.Region)
	v.SetDefault("storage.s3.bucket", d.Storage.S3.Bucket)
	v.SetDefault("storage.s3.prefix", d.Storage.S3.Prefix)
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.cache.redis_url", d.Storage.Cache.RedisURL)
	v.SetDefault("storage.cache.ttl", d.Storage.Cache.TTL)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "chunkvault")
	v.SetDefault("database.sslmode", d.Database.SSLMode)
	v.SetDefault("database.debug", false)

	v.SetDefault("digest.algorithm", d.Digest.Algorithm)

	v.SetDefault("chunker.method", string(d.Chunker.Method))
	v.SetDefault("chunker.min_size", d.Chunker.MinSize)
	v.SetDefault("chunker.avg_size", d.Chunker.AvgSize)
	v.SetDefault("chunker.max_size", d.Chunker.MaxSize)
	v.SetDefault("chunker.polynomial", d.Chunker.Polynomial)

	v.SetDefault("pipeline.readers", d.Pipeline.Readers)
	v.SetDefault("pipeline.workers", d.Pipeline.Workers)
	v.SetDefault("pipeline.writers", d.Pipeline.Writers)
	v.SetDefault("pipeline.queue_depth", d.Pipeline.QueueDepth)

	v.SetDefault("transport.timeout", d.Transport.Timeout)
	v.SetDefault("transport.max_frame_size", d.Transport.MaxFrameSize)
	v.SetDefault("transport.retries", d.Transport.Retries)

	v.SetDefault("user.name", os.Getenv("USER"))
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("core.branch", d.Core.Branch)
}
