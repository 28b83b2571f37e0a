package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/gpufleet/lifecycle-controller/internal/config"
	"github.com/gpufleet/lifecycle-controller/internal/models"
)

// MinioStore implements Store against a MinIO (or any S3-compatible) backend.
// Objects are keyed <workspace>/<snapshot-id>.tar; snapshot metadata rides on
// object user metadata so List can rebuild references without a side index.
type MinioStore struct {
	client     *minio.Client
	logger     *zap.Logger
	bucket     string
	region     string
	httpClient *http.Client
}

// NewMinioStore creates and pings a MinIO-backed snapshot store, ensuring the
// snapshot bucket exists.
func NewMinioStore(cfg config.MinioConfig, logger *zap.Logger) (*MinioStore, error) {
	logger.Info("Initializing MinIO snapshot store",
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("useSSL", cfg.UseSSL),
		zap.String("bucket", cfg.SnapshotBucket),
	)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		logger.Error("Failed to create MinIO client", zap.Error(err))
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	s := &MinioStore{
		client:     client,
		logger:     logger.Named("minio_snapshots"),
		bucket:     cfg.SnapshotBucket,
		region:     cfg.Region,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}

	logger.Info("Successfully connected to MinIO snapshot store")
	return s, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		s.logger.Error("Failed to check if snapshot bucket exists", zap.String("bucket", s.bucket), zap.Error(err))
		return fmt.Errorf("failed to check for bucket %s: %w", s.bucket, err)
	}
	if !exists {
		s.logger.Info("Snapshot bucket does not exist, creating it", zap.String("bucket", s.bucket))
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

func objectKey(workspace string, id uuid.UUID) string {
	return fmt.Sprintf("%s/%s.tar", workspace, id)
}

// Create uploads the workspace archive and returns its snapshot reference.
func (s *MinioStore) Create(ctx context.Context, workspace string, source models.SnapshotSource, sourceID uuid.UUID, data io.Reader, size int64) (*models.Snapshot, error) {
	snap := &models.Snapshot{
		ID:        uuid.New(),
		Workspace: workspace,
		Source:    source,
		SourceID:  sourceID,
		CreatedAt: time.Now().UTC(),
	}
	key := objectKey(workspace, snap.ID)

	opts := minio.PutObjectOptions{
		ContentType: "application/x-tar",
		UserMetadata: map[string]string{
			"snapshot-source":    string(source),
			"snapshot-source-id": sourceID.String(),
		},
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, data, size, opts)
	if err != nil {
		s.logger.Error("Failed to upload snapshot",
			zap.String("workspace", workspace),
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to upload snapshot %s: %w", key, err)
	}
	snap.SizeBytes = info.Size

	s.logger.Info("Snapshot uploaded",
		zap.String("snapshot_id", snap.ID.String()),
		zap.String("workspace", workspace),
		zap.Int64("size", info.Size),
		zap.String("source", string(source)),
	)
	return snap, nil
}

// List returns the workspace's snapshots, newest first.
func (s *MinioStore) List(ctx context.Context, workspace string) ([]*models.Snapshot, error) {
	prefix := workspace + "/"
	var snaps []*models.Snapshot

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing snapshots for %s: %w", workspace, obj.Err)
		}
		idPart := strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), ".tar")
		id, err := uuid.Parse(idPart)
		if err != nil {
			// Not one of ours; skip foreign objects in the bucket.
			continue
		}
		snaps = append(snaps, &models.Snapshot{
			ID:        id,
			Workspace: workspace,
			SizeBytes: obj.Size,
			CreatedAt: obj.LastModified,
		})
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps, nil
}

// Restore hands the target instance a presigned download URL for the
// snapshot archive and asks it to pull and unpack it.
func (s *MinioStore) Restore(ctx context.Context, snap *models.Snapshot, target *models.Instance) error {
	if target.Endpoint == "" {
		return fmt.Errorf("target instance %s has no endpoint", target.ID)
	}

	key := objectKey(snap.Workspace, snap.ID)
	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, key, 15*time.Minute, nil)
	if err != nil {
		return fmt.Errorf("presigning snapshot %s: %w", key, err)
	}

	payload, err := json.Marshal(map[string]string{
		"archive_url": presigned.String(),
		"workspace":   snap.Workspace,
	})
	if err != nil {
		return fmt.Errorf("marshalling restore request: %w", err)
	}

	restoreURL := fmt.Sprintf("http://%s/workspace/restore", target.Endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, restoreURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building restore request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("restore request to instance %s failed: %w", target.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("instance %s restore returned status %d", target.ID, resp.StatusCode)
	}

	s.logger.Info("Snapshot restored onto instance",
		zap.String("snapshot_id", snap.ID.String()),
		zap.String("instance_id", target.ID.String()),
	)
	return nil
}
