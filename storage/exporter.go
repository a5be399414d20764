package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"DrumRoom/config"
	"DrumRoom/core/pattern"
	"DrumRoom/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	exportPrefix    = "beats/"
	presignedURLTTL = 24 * time.Hour
	contentTypeJSON = "application/json"
)

// ObjectInfo 文件信息
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// BucketStats 存储桶统计信息
type BucketStats struct {
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
}

// ExportResult 导出结果：对象键和限时下载地址
type ExportResult struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// BeatExporter 把节拍文档以 JSON 导出到 MinIO
type BeatExporter struct {
	client *minio.Client
	bucket string
	region string
}

// NewBeatExporter 创建 MinIO 客户端，存储桶不存在时创建
func NewBeatExporter(ctx context.Context, cfg *config.Config) (*BeatExporter, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}
	e := &BeatExporter{client: client, bucket: cfg.MinioBucket, region: cfg.MinioRegion}
	if err := e.ensureBucket(ctx); err != nil {
		return nil, err
	}
	logger.Info("minio exporter ready",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("bucket", cfg.MinioBucket))
	return e, nil
}

func (e *BeatExporter) ensureBucket(ctx context.Context) error {
	exists, err := e.client.BucketExists(ctx, e.bucket)
	if err != nil {
		return fmt.Errorf("检查存储桶失败: %w", err)
	}
	if exists {
		return nil
	}
	if err := e.client.MakeBucket(ctx, e.bucket, minio.MakeBucketOptions{Region: e.region}); err != nil {
		return fmt.Errorf("创建存储桶失败: %w", err)
	}
	logger.Info("bucket created", logger.String("bucket", e.bucket))
	return nil
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ObjectKey 导出对象的键：beats/<userID>/<beatID>-<name>.json
func ObjectKey(userID, beatID int64, name string) string {
	slug := strings.Trim(unsafeKeyChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		slug = "beat"
	}
	if len(slug) > 48 {
		slug = slug[:48]
	}
	return fmt.Sprintf("%s%d/%d-%s.json", exportPrefix, userID, beatID, slug)
}

// UserPrefix 某个用户的所有导出
func UserPrefix(userID int64) string {
	return fmt.Sprintf("%s%d/", exportPrefix, userID)
}

// Export uploads the document and returns a presigned download URL.
func (e *BeatExporter) Export(ctx context.Context, userID, beatID int64, doc pattern.Document) (*ExportResult, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal beat: %w", err)
	}
	key := ObjectKey(userID, beatID, doc.Name)
	_, err = e.client.PutObject(ctx, e.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentTypeJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("上传节拍失败: %w", err)
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", key[strings.LastIndex(key, "/")+1:]))
	u, err := e.client.PresignedGetObject(ctx, e.bucket, key, presignedURLTTL, params)
	if err != nil {
		return nil, fmt.Errorf("生成下载地址失败: %w", err)
	}
	logger.Info("beat exported", logger.String("key", key), logger.Int64("userId", userID))
	return &ExportResult{Key: key, URL: u.String(), ExpiresAt: time.Now().Add(presignedURLTTL)}, nil
}

// List 列出前缀下的对象及统计
func (e *BeatExporter) List(ctx context.Context, prefix string) ([]ObjectInfo, *BucketStats, error) {
	stats := &BucketStats{}
	var objects []ObjectInfo
	for object := range e.client.ListObjects(ctx, e.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, nil, fmt.Errorf("列出对象时出错: %w", object.Err)
		}
		stats.TotalObjects++
		stats.TotalSize += object.Size
		if object.LastModified.After(stats.LastModified) {
			stats.LastModified = object.LastModified
		}
		objects = append(objects, ObjectInfo{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
		})
	}
	return objects, stats, nil
}

// FormatSize 格式化文件大小
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
