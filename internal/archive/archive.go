// Package archive stores snapshots of finished requests in object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"helpdesk/api/internal/workflow"
)

// Config locates the archive bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// IsConfigured reports whether an endpoint and bucket are set.
func (c Config) IsConfigured() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// objectStore is the subset of *minio.Client the archiver needs.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Minio writes snapshots to requests/YYYY/MM/<request_id>.json.
type Minio struct {
	client objectStore
	bucket string
}

// NewMinio connects to the configured endpoint.
func NewMinio(cfg Config) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *Minio) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", m.bucket, err)
	}
	log.Printf("archive: created bucket %s", m.bucket)
	return nil
}

// Archive uploads st. Re-archiving the same request overwrites the object.
func (m *Minio) Archive(ctx context.Context, st workflow.RequestState) error {
	body, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = m.client.PutObject(ctx, m.bucket, ObjectKey(st), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"request-id":      st.RequestID,
			"workflow-status": string(st.WorkflowStatus),
			"request-status":  string(st.RequestStatus),
			"version":         fmt.Sprintf("%d", st.Version),
		},
	})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", st.RequestID, err)
	}
	return nil
}

// ObjectKey is the snapshot path, partitioned by the request's creation month.
func ObjectKey(st workflow.RequestState) string {
	created := st.CreatedAt.UTC()
	return fmt.Sprintf("requests/%04d/%02d/%s.json", created.Year(), int(created.Month()), st.RequestID)
}

// Memory keeps snapshots in process.
type Memory struct {
	mu        sync.Mutex
	snapshots map[string]workflow.RequestState
}

func NewMemory() *Memory {
	return &Memory{snapshots: map[string]workflow.RequestState{}}
}

func (m *Memory) Archive(_ context.Context, st workflow.RequestState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[ObjectKey(st)] = st.Clone()
	return nil
}

// Get returns the snapshot stored under key.
func (m *Memory) Get(key string) (workflow.RequestState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.snapshots[key]
	return st, ok
}
