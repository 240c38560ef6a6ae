package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"QFMBot/config"
	"QFMBot/logger"
	"QFMBot/model"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const snapshotPrefix = "snapshots"

// Snapshot is the archived final state of a player session.
type Snapshot struct {
	State      *model.PersistedPlayerState `json:"state"`
	Queue      *model.PersistedQueue       `json:"queue,omitempty"`
	Reason     string                      `json:"reason"`
	ArchivedAt time.Time                   `json:"archivedAt"`
}

// SnapshotArchive MinIO 快照归档
type SnapshotArchive struct {
	client *minio.Client
	bucket string
}

// NewSnapshotArchive 初始化 MinIO 客户端并确保存储桶存在
func NewSnapshotArchive(ctx context.Context, cfg *config.Config) (*SnapshotArchive, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{Region: cfg.MinioRegion}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Info("created snapshot bucket", logger.String("bucket", cfg.MinioBucket))
	}

	return &SnapshotArchive{client: client, bucket: cfg.MinioBucket}, nil
}

func objectName(guildID string, at time.Time) string {
	return path.Join(snapshotPrefix, guildID, at.UTC().Format("20060102T150405.000Z")+".json")
}

// Archive uploads a snapshot under snapshots/<guild>/<timestamp>.json.
func (a *SnapshotArchive) Archive(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.State == nil {
		return fmt.Errorf("snapshot has no state")
	}
	if snap.ArchivedAt.IsZero() {
		snap.ArchivedAt = time.Now()
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	name := objectName(snap.State.GuildID, snap.ArchivedAt)
	_, err = a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to upload snapshot %s: %w", name, err)
	}
	return nil
}

// ObjectInfo 快照对象信息
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// List returns archived snapshots, newest first. An empty guildID lists all guilds.
func (a *SnapshotArchive) List(ctx context.Context, guildID string) ([]ObjectInfo, error) {
	prefix := snapshotPrefix + "/"
	if guildID != "" {
		prefix = path.Join(snapshotPrefix, guildID) + "/"
	}

	var objects []ObjectInfo
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list snapshots: %w", obj.Err)
		}
		objects = append(objects, ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].LastModified.After(objects[j].LastModified)
	})
	return objects, nil
}

// formatSize 格式化文件大小
func formatSize(size int64) string {
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

// Describe renders an object line for CLI output.
func (o ObjectInfo) Describe() string {
	return fmt.Sprintf("%-70s %10s  %s", o.Key, formatSize(o.Size), o.LastModified.Format(time.RFC3339))
}
