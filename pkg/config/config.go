// Package config 定义 chunkvault 的全部配置项。
//
// 配置由 Load 一次性读出并显式传给各个组件，核心代码从不读取全局状态。
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chunkvault/pkg/chunker"
	"chunkvault/pkg/digest"
	"chunkvault/pkg/marshal"
	"chunkvault/pkg/meta"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/wire"
)

type Config struct {
	Storage   StorageConfig           `mapstructure:"storage"`
	Database  meta.Config             `mapstructure:"database"`
	Digest    DigestConfig            `mapstructure:"digest"`
	Chunker   chunker.Params          `mapstructure:"chunker"`
	Pipeline  marshal.Config          `mapstructure:"pipeline"`
	Transport TransportConfig         `mapstructure:"transport"`
	Remotes   map[string]RemoteConfig `mapstructure:"remotes"`
	User      UserConfig              `mapstructure:"user"`
	Log       LogConfig               `mapstructure:"log"`
	Core      CoreConfig              `mapstructure:"core"`
}

type StorageConfig struct {
	Type          string      `mapstructure:"type"` // "disk" 或 "s3"
	Path          string      `mapstructure:"path"` // disk: 对象目录，空表示 .cv/objects
	Compression   string      `mapstructure:"compression"`
	MaxObjectSize int64       `mapstructure:"max_object_size"`
	LRUSize       int         `mapstructure:"lru_size"` // 解码后小对象的进程内缓存条数，0 表示关闭
	S3            S3Config    `mapstructure:"s3"`
	Cache         CacheConfig `mapstructure:"cache"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// CacheConfig 是 Redis 存在性缓存；URL 为空表示不启用
type CacheConfig struct {
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type DigestConfig struct {
	Algorithm string `mapstructure:"algorithm"`
}

type TransportConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxFrameSize int           `mapstructure:"max_frame_size"`
	Retries      int           `mapstructure:"retries"`
}

type RemoteConfig struct {
	URL    string `mapstructure:"url"`
	Branch string `mapstructure:"branch"`
}

type UserConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" 或 "json"
}

type CoreConfig struct {
	Branch string `mapstructure:"branch"` // 新仓库的默认分支
}

// Default 返回全部默认值
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Type:          "disk",
			Compression:   "zstd",
			MaxObjectSize: 64 << 20,
			LRUSize:       4096,
			S3:            S3Config{Region: "us-east-1"},
			Cache:         CacheConfig{TTL: 24 * time.Hour},
		},
		Database: meta.Config{
			Driver:  "sqlite",
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
		Digest:   DigestConfig{Algorithm: digest.Default.String()},
		Chunker:  chunker.DefaultParams(),
		Pipeline: marshal.DefaultConfig(),
		Transport: TransportConfig{
			Timeout:      30 * time.Second,
			MaxFrameSize: wire.DefaultMaxFrameSize,
			Retries:      3,
		},
		Remotes: map[string]RemoteConfig{},
		Log:     LogConfig{Level: "info", Format: "text"},
		Core:    CoreConfig{Branch: "main"},
	}
}

// Validate 检查配置是否自洽
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Type {
	case "disk":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required for s3 storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be disk or s3, got %q", c.Storage.Type))
	}
	if _, err := storage.ParseCompression(c.Storage.Compression); err != nil {
		errs = append(errs, fmt.Errorf("storage.compression: %w", err))
	}
	if _, err := digest.ParseAlgorithm(c.Digest.Algorithm); err != nil {
		errs = append(errs, fmt.Errorf("digest.algorithm: %w", err))
	}
	if err := c.Chunker.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("chunker: %w", err))
	}
	if c.Storage.MaxObjectSize > 0 && int64(c.Chunker.MaxSize) > c.Storage.MaxObjectSize {
		errs = append(errs, fmt.Errorf("chunker.max_size %d exceeds storage.max_object_size %d",
			c.Chunker.MaxSize, c.Storage.MaxObjectSize))
	}
	if c.Pipeline.Readers < 0 || c.Pipeline.Workers < 0 || c.Pipeline.Writers < 0 || c.Pipeline.QueueDepth < 0 {
		errs = append(errs, errors.New("pipeline sizes must not be negative"))
	}
	if c.Transport.Retries < 0 || c.Transport.Timeout < 0 {
		errs = append(errs, errors.New("transport.retries and transport.timeout must not be negative"))
	}
	if c.Transport.MaxFrameSize > 0 && c.Transport.MaxFrameSize < c.Chunker.MaxSize+64 {
		errs = append(errs, fmt.Errorf("transport.max_frame_size %d cannot carry a %d byte chunk",
			c.Transport.MaxFrameSize, c.Chunker.MaxSize))
	}
	for name, r := range c.Remotes {
		if r.URL == "" {
			errs = append(errs, fmt.Errorf("remotes.%s.url is empty", name))
		}
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// LogLevel 解析 log.level
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// Remote 按名字查找远端
func (c *Config) Remote(name string) (RemoteConfig, error) {
	r, ok := c.Remotes[name]
	if !ok {
		return RemoteConfig{}, fmt.Errorf("remote %q is not configured (add remotes.%s.url to config.yaml)", name, name)
	}
	if r.Branch == "" {
		r.Branch = c.Core.Branch
	}
	return r, nil
}
