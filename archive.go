package lockstep

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// objectPutter is the slice of the S3 client the archiver needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// archiveBatch is the document layout of one exported object.
type archiveBatch struct {
	ExportedAt time.Time    `json:"exported_at"`
	Items      []*QueueItem `json:"items,omitempty"`
	Conflicts  []*Conflict  `json:"conflicts,omitempty"`
}

// ArchiveResult summarizes one export.
type ArchiveResult struct {
	Items     int    `json:"items"`
	Conflicts int    `json:"conflicts"`
	Key       string `json:"key,omitempty"`
	Bytes     int    `json:"bytes"`
}

// Archiver ships terminally failed items and resolved conflicts to
// S3-compatible object storage before the retention sweep removes them.
// Batches are gzipped JSON; the object key carries a content checksum, so
// re-exporting the same batch after a restart overwrites rather than
// duplicates. Payload bytes are exported as stored, which keeps encrypted
// queues encrypted in the archive too.
type Archiver struct {
	client  objectPutter
	store   Store
	cfg     ArchiveConfig
	retryer *Retryer

	// watermark is the newest timestamp exported so far. It lives in
	// memory only; after a restart the checksum keys make the repeated
	// export idempotent.
	mu        sync.Mutex
	watermark time.Time

	now func() time.Time
}

func newArchiver(store Store, cfg ArchiveConfig) (*Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		store:  store,
		cfg:    cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		}),
		now: time.Now,
	}, nil
}

// Run exports on the configured interval until the context is canceled.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Export(ctx); err != nil {
				slog.Warn("archive export failed", "error", err)
			}
		}
	}
}

// Export uploads one batch of failed items and resolved conflicts newer
// than the watermark. An empty batch uploads nothing.
func (a *Archiver) Export(ctx context.Context) (*ArchiveResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	batch, high, err := a.collect(ctx)
	if err != nil {
		return nil, err
	}
	result := &ArchiveResult{Items: len(batch.Items), Conflicts: len(batch.Conflicts)}
	if result.Items == 0 && result.Conflicts == 0 {
		return result, nil
	}

	body, err := encodeBatch(batch)
	if err != nil {
		return nil, err
	}
	key, err := a.objectKey(batch, high)
	if err != nil {
		return nil, err
	}

	res := a.retryer.Do(ctx, func() error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:          aws.String(a.cfg.Bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(body),
			ContentType:     aws.String("application/json"),
			ContentEncoding: aws.String("gzip"),
		})
		if err != nil {
			return fmt.Errorf("put archive object: %w", err)
		}
		return nil
	})
	if res.LastErr != nil {
		return nil, res.LastErr
	}

	a.watermark = high
	result.Key = key
	result.Bytes = len(body)
	slog.Info("archive batch exported",
		"key", key,
		"items", result.Items,
		"conflicts", result.Conflicts,
		"bytes", result.Bytes)
	return result, nil
}

// collect gathers everything past the watermark and returns the batch
// together with the newest timestamp it contains.
func (a *Archiver) collect(ctx context.Context) (*archiveBatch, time.Time, error) {
	batch := &archiveBatch{ExportedAt: a.now().UTC()}
	high := a.watermark

	failed, err := a.store.ItemsByStatus(ctx, StatusFailed, -1)
	if err != nil {
		return nil, high, err
	}
	for _, item := range failed {
		if !item.UpdatedAt.After(a.watermark) {
			continue
		}
		batch.Items = append(batch.Items, item)
		if item.UpdatedAt.After(high) {
			high = item.UpdatedAt
		}
	}

	conflicts, err := a.store.Conflicts(ctx, true)
	if err != nil {
		return nil, high, err
	}
	for _, c := range conflicts {
		if !c.Resolved || !c.ResolvedAt.After(a.watermark) {
			continue
		}
		batch.Conflicts = append(batch.Conflicts, c)
		if c.ResolvedAt.After(high) {
			high = c.ResolvedAt
		}
	}

	return batch, high, nil
}

func encodeBatch(batch *archiveBatch) ([]byte, error) {
	raw, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// objectKey builds a date-partitioned key from the batch content. The
// checksum covers the items and conflicts but not the export timestamp,
// and the date partition comes from the newest record in the batch, so
// re-exporting the same batch lands on the same key.
func (a *Archiver) objectKey(batch *archiveBatch, high time.Time) (string, error) {
	content, err := json.Marshal(struct {
		Items     []*QueueItem `json:"items"`
		Conflicts []*Conflict  `json:"conflicts"`
	}{batch.Items, batch.Conflicts})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(content)
	return fmt.Sprintf("%s/%s/batch-%s.json.gz",
		a.cfg.Prefix,
		high.UTC().Format("2006/01/02"),
		hex.EncodeToString(sum[:])[:16]), nil
}
