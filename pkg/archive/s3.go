package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/orchardworks/cellartrail/pkg/audit"
	"github.com/orchardworks/cellartrail/pkg/config"
	"github.com/orchardworks/cellartrail/pkg/observability"
)

// objectPutter is the slice of the S3 API the archiver needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads batches of audit entries to object storage.
type Archiver struct {
	client  objectPutter
	bucket  string
	prefix  string
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewArchiver builds the S3 client from the archive configuration.
// Static credentials are used when configured (MinIO, explicit keys);
// otherwise the default AWS credential chain applies.
func NewArchiver(ctx context.Context, cfg config.ArchiveConfig, metrics *observability.Metrics, logger *observability.Logger) (*Archiver, error) {
	var awsCfg aws.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey, cfg.SecretKey, "")),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Archiver{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// ArchiveBatch uploads one batch as a single gzip NDJSON object.
// Returns the object key.
func (a *Archiver) ArchiveBatch(ctx context.Context, entries []*audit.Entry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return "", fmt.Errorf("failed to encode archive entry: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("failed to compress archive batch: %w", err)
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("%s/%s/audit-%s.ndjson.gz",
		a.prefix, now.Format("2006/01/02"), now.Format("20060102-150405.000000000"))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"entry-count": fmt.Sprintf("%d", len(entries)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload archive batch: %w", err)
	}

	if a.metrics != nil {
		a.metrics.ArchivedEntriesTotal.Add(float64(len(entries)))
	}
	a.logger.WithFields(map[string]interface{}{
		"key":     key,
		"entries": len(entries),
	}).Info("archived audit batch")

	return key, nil
}

// ArchiveExpiring pages through all entries strictly older than the
// cutoff and uploads them in batches. Returns the number of entries
// archived. Callers run this before PurgeOlderThan so nothing is lost;
// the bound matches the purge's, so an entry at the cutoff is neither
// archived nor deleted this run.
func (a *Archiver) ArchiveExpiring(ctx context.Context, store audit.Store, cutoff time.Time) (int, error) {
	filter := audit.Filter{
		DateTo: &cutoff,
		Limit:  audit.MaxQueryLimit,
	}

	archived := 0
	for {
		entries, err := store.Query(ctx, filter)
		if err != nil {
			return archived, fmt.Errorf("failed to load expiring entries: %w", err)
		}
		if len(entries) == 0 {
			return archived, nil
		}

		// The date filter is inclusive; the purge bound is not
		expiring := make([]*audit.Entry, 0, len(entries))
		for _, e := range entries {
			if e.OccurredAt.Before(cutoff) {
				expiring = append(expiring, e)
			}
		}

		if _, err := a.ArchiveBatch(ctx, expiring); err != nil {
			return archived, err
		}
		archived += len(expiring)

		if len(entries) < filter.Limit {
			return archived, nil
		}
		last := entries[len(entries)-1]
		filter.Cursor = audit.EncodeCursor(last.OccurredAt, last.ID)
	}
}
