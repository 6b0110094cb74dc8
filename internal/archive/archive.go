// Package archive exports terminal publish jobs to object storage before
// pruning them from Postgres, keeping the queue table small while preserving
// the audit trail.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"contentgardener/internal/models"
	"contentgardener/internal/telemetry"
)

const batchSize = 500

// Store is the slice of the job store the archiver needs.
type Store interface {
	TerminalJobsBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.PublishJob, error)
	DeleteJobs(ctx context.Context, ids []string) error
}

// Uploader is satisfied by the AWS S3 client.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver moves completed/failed jobs older than the retention age into S3.
type Archiver struct {
	store     Store
	uploader  Uploader
	bucket    string
	retention time.Duration
}

// New builds an archiver against the given bucket.
func New(store Store, uploader Uploader, bucket string, retention time.Duration) *Archiver {
	if retention == 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Archiver{store: store, uploader: uploader, bucket: bucket, retention: retention}
}

// NewS3Client builds the default S3 client from the ambient AWS config.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// Sweep exports one batch of expired terminal jobs as a JSON-lines object and
// deletes the exported rows. Rows are only deleted after the upload succeeds.
func (a *Archiver) Sweep(ctx context.Context, now time.Time) (int, error) {
	jobs, err := a.store.TerminalJobsBefore(ctx, now.Add(-a.retention), batchSize)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if err := enc.Encode(j); err != nil {
			return 0, fmt.Errorf("encode job %s: %w", j.ID, err)
		}
		ids = append(ids, j.ID)
	}

	key := fmt.Sprintf("publish-jobs/%s/%s.jsonl", now.UTC().Format("2006/01/02"), now.UTC().Format("150405"))
	_, err = a.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return 0, fmt.Errorf("upload archive %s: %w", key, err)
	}

	if err := a.store.DeleteJobs(ctx, ids); err != nil {
		return 0, err
	}
	telemetry.JobsArchived.Add(float64(len(ids)))
	log.Printf("archive: exported %d jobs to s3://%s/%s", len(ids), a.bucket, key)
	return len(ids), nil
}
