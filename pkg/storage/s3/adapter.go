package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"chunkvault/pkg/core"
	"chunkvault/pkg/fault"
	"chunkvault/pkg/storage"
	"chunkvault/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// 对象元数据中记录类型与长度，Has/Put 无需下载就能做碰撞检查
const (
	metaKind   = "cv-kind"
	metaLength = "cv-length"
)

// Adapter 实现了 storage.Store 接口，对象记录以 "ab/cdef..." 为 key 存放在 bucket 中
type Adapter struct {
	client      *s3.Client
	bucket      string
	prefix      string
	compression storage.Compression
	logger      *slog.Logger
}

// Config 用于初始化 Adapter
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string // 可选：多个仓库共用一个 bucket 时的 key 前缀
	AccessKeyID     string
	SecretAccessKey string
	Compression     storage.Compression
	Logger          *slog.Logger
}

// NewAdapter 初始化 S3 客户端
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// 指定 Endpoint 时 (比如 MinIO 的 localhost:9000) 覆盖默认值
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO 必须使用 Path Style: http://host:9000/bucket/key
		o.UsePathStyle = true
	})

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		compression: cfg.Compression,
		logger:      logger.With(slog.String("component", "s3"), slog.String("bucket", cfg.Bucket)),
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &cfg.Bucket}); err != nil {
		if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &cfg.Bucket}); err != nil {
			// 并发创建或权限不足时继续，真正的读写会暴露问题
			a.logger.Warn("failed to ensure bucket exists", slog.Any("error", err))
		}
	}
	return a, nil
}

// transformKey 将 Hash 转换为 S3 Key (Sharding): "aabbcc..." -> "aa/bbcc..."
func (s *Adapter) transformKey(id types.Hash) string {
	hex := id.String()
	key := hex[:2] + "/" + hex[2:]
	if s.prefix != "" {
		return s.prefix + "/" + key
	}
	return key
}

func (s *Adapter) keyToHash(key string) (types.Hash, error) {
	key = strings.TrimPrefix(key, s.prefix+"/")
	return types.ParseHash(strings.Replace(key, "/", "", 1))
}

func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	var noKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return true
	}
	// 某些 S3 实现只返回 generic 404
	return strings.Contains(err.Error(), "StatusCode: 404")
}

// head 返回已存在对象的记录头 (来自对象元数据)
func (s *Adapter) head(ctx context.Context, id types.Hash) (storage.Header, bool, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.transformKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.Header{}, false, nil
		}
		return storage.Header{}, false, fault.New(fault.IOError, "s3.head", err)
	}
	h := storage.Header{Kind: core.ObjectType(out.Metadata[metaKind])}
	h.Length, _ = strconv.ParseUint(out.Metadata[metaLength], 10, 64)
	return h, true, nil
}

func (s *Adapter) Put(ctx context.Context, obj core.Object) (types.Hash, bool, error) {
	id := obj.ID()

	// 1. 幂等性检查：Head 比 Put 便宜
	h, exists, err := s.head(ctx, id)
	if err != nil {
		return id, false, err
	}
	if exists {
		if h.Kind == "" {
			return id, false, nil // 没有元数据的旧对象，无法比较
		}
		return id, false, storage.CheckCollision(id, h, obj)
	}

	rec, err := storage.EncodeRecord(obj, s.compression)
	if err != nil {
		return id, false, err
	}

	// 2. 上传；S3 的单对象 PUT 是原子的
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.transformKey(id)),
		Body:        bytes.NewReader(rec),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			metaKind:   string(obj.Type()),
			metaLength: strconv.Itoa(len(obj.Bytes())),
		},
	})
	if err != nil {
		return id, false, fault.New(fault.IOError, "s3.put", err)
	}
	return id, true, nil
}

func (s *Adapter) Get(ctx context.Context, id types.Hash) (*storage.Raw, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.transformKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.NotFound(id)
		}
		return nil, fault.New(fault.IOError, "s3.get", err)
	}
	defer resp.Body.Close()

	rec, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.New(fault.IOError, "s3.get", err)
	}
	raw, err := storage.DecodeRecord(rec)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", id, err)
	}
	return raw, nil
}

func (s *Adapter) Has(ctx context.Context, id types.Hash) (bool, error) {
	_, exists, err := s.head(ctx, id)
	return exists, err
}

// ExpandHash 利用 Prefix 查询扩展短哈希
func (s *Adapter) ExpandHash(ctx context.Context, short types.HashPrefix) (types.Hash, error) {
	if err := short.Validate(); err != nil {
		return types.ZeroHash, err
	}
	in := strings.ToLower(short.String())
	prefix := in[:2] + "/" + in[2:]
	if s.prefix != "" {
		prefix = s.prefix + "/" + prefix
	}

	// MaxKeys=2：只需要区分 0 个、1 个(唯一) 或 >1 个(歧义)
	resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		return types.ZeroHash, fault.New(fault.IOError, "s3.list", err)
	}
	switch {
	case len(resp.Contents) == 0:
		return types.ZeroHash, fmt.Errorf("%w: prefix %s", storage.ErrNotFound, in)
	case len(resp.Contents) > 1:
		return types.ZeroHash, fmt.Errorf("%w: %s", storage.ErrAmbiguousHash, in)
	}
	return s.keyToHash(aws.ToString(resp.Contents[0].Key))
}

// Walk 分页列出全部对象
func (s *Adapter) Walk(ctx context.Context, fn func(types.Hash) error) error {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix + "/")
	}
	p := s3.NewListObjectsV2Paginator(s.client, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fault.New(fault.IOError, "s3.list", err)
		}
		for _, obj := range page.Contents {
			id, err := s.keyToHash(aws.ToString(obj.Key))
			if err != nil {
				continue
			}
			if err := fn(id); err != nil {
				return err
			}
		}
	}
	return nil
}
