package sink

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/pkg/log"
)

type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, body *bytes.Reader, size int64) error
}

type minioPutter struct {
	client *minio.Client
}

func (p minioPutter) PutObject(ctx context.Context, bucket, object string, body *bytes.Reader, size int64) error {
	_, err := p.client.PutObject(ctx, bucket, object, body, size, minio.PutObjectOptions{
		ContentType:     "application/x-ndjson",
		ContentEncoding: "gzip",
	})
	return err
}

// ArchiveSink buffers notifications and uploads them to object storage as gzip
// compressed JSON lines on every Flush.
type ArchiveSink struct {
	bucket string
	prefix string
	put    objectPutter

	mu  sync.Mutex
	buf []models.Notification
}

func NewArchiveSink() *ArchiveSink {
	return &ArchiveSink{prefix: "notifications"}
}

func (s *ArchiveSink) Init(ctx context.Context, config map[string]any) error {
	endpoint := stringOpt(config, "endpoint", "")
	s.bucket = stringOpt(config, "bucket", "")
	if endpoint == "" || s.bucket == "" {
		return models.NewConfigError("archive sink requires endpoint and bucket")
	}
	s.prefix = stringOpt(config, "prefix", s.prefix)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(stringOpt(config, "access_key", ""), stringOpt(config, "secret_key", ""), ""),
		Secure: boolOpt(config, "secure", false),
	})
	if err != nil {
		return fmt.Errorf("failed to create object storage client: %w", err)
	}
	s.put = minioPutter{client: client}
	return nil
}

func (s *ArchiveSink) Write(ctx context.Context, notes []models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, notes...)
	return nil
}

func (s *ArchiveSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	enc := json.NewEncoder(zw)
	for _, n := range pending {
		if err := enc.Encode(n); err != nil {
			return fmt.Errorf("failed to encode notification: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress notifications: %w", err)
	}

	object := fmt.Sprintf("%s/%s/%s.jsonl.gz", s.prefix, time.Now().UTC().Format("2006/01/02"), uuid.NewString())
	body := bytes.NewReader(compressed.Bytes())
	if err := s.put.PutObject(ctx, s.bucket, object, body, int64(body.Len())); err != nil {
		// keep the batch for the next flush
		s.mu.Lock()
		s.buf = append(pending, s.buf...)
		s.mu.Unlock()
		return fmt.Errorf("failed to upload %s: %w", object, err)
	}
	log.Debug().Str("object", object).Int("count", len(pending)).Msg("archived notifications")
	return nil
}

func (s *ArchiveSink) Close() error {
	return nil
}

func (s *ArchiveSink) Type() string { return "archive" }

var _ Sink = (*ArchiveSink)(nil)
