// Package s3 persists a volume tree to an S3 bucket. Node state lives
// in-core in a volume.Memory; every committed mutation is serialized as a
// node snapshot and written through to one bucket object per node, and the
// whole tree is restored from the bucket at open.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/xattrfs/xattrfs/internal/config"
	"github.com/xattrfs/xattrfs/internal/volume"
	"github.com/xattrfs/xattrfs/pkg/retry"
	"github.com/xattrfs/xattrfs/pkg/types"
)

// Config extends the yaml S3 settings with credential overrides used by
// integration environments (localstack, minio).
type Config struct {
	config.S3Config

	AccessKey string
	SecretKey string
	PageSize  int
	Retry     retry.Config
}

type nodeKey struct {
	id  types.ObjectID
	gen types.Generation
}

// objectClient is the slice of the S3 client the backend uses.
type objectClient interface {
	PutObject(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *awss3.DeleteObjectInput, opts ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *awss3.ListObjectsV2Input, opts ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *awss3.GetObjectInput, opts ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
}

// Backend is a volume.Volume persisted to S3.
type Backend struct {
	*volume.Memory

	client objectClient
	bucket string
	prefix string
	retry  *retry.Retryer
	log    *slog.Logger

	// pending accumulates dirty snapshots and removals between flushes.
	// Mutation hooks run with the volume lock held, so they only enqueue;
	// network I/O happens on the flusher goroutine or in Flush.
	mu       sync.Mutex
	dirty    map[nodeKey]volume.NodeSnapshot
	removals map[nodeKey]struct{}

	stop chan struct{}
	done chan struct{}
}

// Open connects to the bucket, restores any persisted tree, and starts the
// background flusher.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 volume: bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3 volume: load AWS config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	b := &Backend{
		Memory:   volume.NewMemory(cfg.PageSize),
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		retry:    retry.New(cfg.Retry),
		log:      logger.With("component", "s3-volume", "bucket", cfg.Bucket),
		dirty:    make(map[nodeKey]volume.NodeSnapshot),
		removals: make(map[nodeKey]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if err := b.restore(ctx); err != nil {
		return nil, err
	}

	b.Memory.SetMutationHooks(b.enqueueUpsert, b.enqueueRemove)

	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	go b.flushLoop(interval)
	return b, nil
}

// key maps a node identity to its bucket key.
func (b *Backend) key(k nodeKey) string {
	return fmt.Sprintf("%s/nodes/%X.%X", b.prefix, uint64(k.id), uint32(k.gen))
}

func (b *Backend) enqueueUpsert(snap volume.NodeSnapshot) {
	k := nodeKey{snap.ID, snap.Gen}
	b.mu.Lock()
	delete(b.removals, k)
	b.dirty[k] = snap
	b.mu.Unlock()
}

func (b *Backend) enqueueRemove(id types.ObjectID, gen types.Generation) {
	k := nodeKey{id, gen}
	b.mu.Lock()
	delete(b.dirty, k)
	b.removals[k] = struct{}{}
	b.mu.Unlock()
}

// Flush writes all pending snapshots and removals to the bucket. Entries
// that fail even after retries go back on the queue so a later flush picks
// them up again; the bucket must not silently fall behind the in-core tree.
func (b *Backend) Flush(ctx context.Context) error {
	b.mu.Lock()
	dirty := b.dirty
	removals := b.removals
	b.dirty = make(map[nodeKey]volume.NodeSnapshot)
	b.removals = make(map[nodeKey]struct{})
	b.mu.Unlock()

	var firstErr error
	for k, snap := range dirty {
		body, err := json.Marshal(snap)
		if err == nil {
			err = b.retry.DoWithContext(ctx, func(ctx context.Context) error {
				_, err := b.client.PutObject(ctx, &awss3.PutObjectInput{
					Bucket: aws.String(b.bucket),
					Key:    aws.String(b.key(k)),
					Body:   bytes.NewReader(body),
				})
				return err
			})
		}
		if err != nil {
			b.requeueUpsert(k, snap)
			if firstErr == nil {
				firstErr = fmt.Errorf("s3 volume: put node %X.%X: %w", uint64(k.id), uint32(k.gen), err)
			}
		}
	}
	for k := range removals {
		err := b.retry.DoWithContext(ctx, func(ctx context.Context) error {
			_, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    aws.String(b.key(k)),
			})
			return err
		})
		if err != nil {
			b.requeueRemove(k)
			if firstErr == nil {
				firstErr = fmt.Errorf("s3 volume: delete node %X.%X: %w", uint64(k.id), uint32(k.gen), err)
			}
		}
	}
	return firstErr
}

// requeueUpsert puts a snapshot whose flush failed back on the queue, unless
// a newer snapshot or a removal for the node arrived in the meantime.
func (b *Backend) requeueUpsert(k nodeKey, snap volume.NodeSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, newer := b.dirty[k]; newer {
		return
	}
	if _, removed := b.removals[k]; removed {
		return
	}
	b.dirty[k] = snap
}

// requeueRemove puts a removal whose flush failed back on the queue, unless
// the node was recreated in the meantime.
func (b *Backend) requeueRemove(k nodeKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, recreated := b.dirty[k]; recreated {
		return
	}
	b.removals[k] = struct{}{}
}

// restore loads every persisted node snapshot and rebuilds the tree. An
// empty bucket prefix yields a fresh volume.
func (b *Backend) restore(ctx context.Context) error {
	var snaps []volume.NodeSnapshot
	var token *string
	listPrefix := b.prefix + "/nodes/"
	for {
		out, err := b.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(listPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("s3 volume: list nodes: %w", err)
		}
		for _, obj := range out.Contents {
			get, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				return fmt.Errorf("s3 volume: get %s: %w", aws.ToString(obj.Key), err)
			}
			body, err := io.ReadAll(get.Body)
			get.Body.Close()
			if err != nil {
				return fmt.Errorf("s3 volume: read %s: %w", aws.ToString(obj.Key), err)
			}
			var snap volume.NodeSnapshot
			if err := json.Unmarshal(body, &snap); err != nil {
				return fmt.Errorf("s3 volume: decode %s: %w", aws.ToString(obj.Key), err)
			}
			snaps = append(snaps, snap)
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}

	if len(snaps) == 0 {
		b.log.Info("no persisted tree found, starting fresh")
		return nil
	}
	if err := b.Memory.Restore(snaps); err != nil {
		return fmt.Errorf("s3 volume: restore: %w", err)
	}
	b.log.Info("restored volume tree", "nodes", len(snaps))
	return nil
}

func (b *Backend) flushLoop(interval time.Duration) {
	defer close(b.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := b.Flush(context.Background()); err != nil {
				b.log.Warn("background flush failed", "error", err)
			}
		case <-b.stop:
			return
		}
	}
}

// Close stops the flusher and writes out any remaining pending state.
func (b *Backend) Close() error {
	close(b.stop)
	<-b.done
	return b.Flush(context.Background())
}
