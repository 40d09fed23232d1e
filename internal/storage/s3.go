// Package storage provides an S3-compatible object store abstraction.
// Works with any S3-compatible provider: AWS, Apache Ozone S3 gateway,
// MinIO, Garage, Cloudflare R2, etc.
// Multi-provider failover: if the primary upload fails, it retries on secondary
// providers in order until one succeeds.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/fabriziosalmi/rainwal/internal/config"
)

// Store wraps an S3 client for a specific bucket / provider.
type Store struct {
	client       *s3.Client
	bucket       string
	provider     string
	storageClass string
}

// New creates a Store from config. Works with any S3-compatible endpoint.
// No request is made here: a store that is down must not prevent the caller
// from falling back to the local queue.
func New(cfg config.S3Config, provider string) *Store {
	httpClient := awshttp.NewBuildableClient().
		WithTimeout(cfg.RequestTimeout).
		WithDialerOptions(func(d *net.Dialer) {
			d.Timeout = cfg.ConnectTimeout
		})

	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		UsePathStyle: cfg.ForcePathStyle,
		HTTPClient:   httpClient,
		// Retries belong to the archiver's retry policy.
		Retryer: aws.NopRetryer{},
		// Ozone and older gateways reject the default CRC32 trailers.
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &Store{
		client:       s3.New(opts),
		bucket:       cfg.Bucket,
		provider:     provider,
		storageClass: cfg.StorageClass,
	}
}

// Provider returns the human-readable provider label.
func (s *Store) Provider() string { return s.provider }

// Ping checks that the bucket exists and is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("storage: head bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put uploads body under key in a single PutObject call.
func (s *Store) Put(ctx context.Context, key string, body io.ReadSeeker, size int64, metadata map[string]string) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      metadata,
	}
	if s.storageClass != "" {
		in.StorageClass = types.StorageClass(s.storageClass)
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("storage: put object %s: %w", key, err)
	}
	return nil
}

// Get downloads an object.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("storage: get object %s: %w", key, err)
	}
	return out.Body, ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}, nil
}

// List pages through ListObjectsV2 under prefix.
func (s *Store) List(ctx context.Context, prefix string, fn func(page []ObjectInfo) error) error {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("storage: list %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		objs := make([]ObjectInfo, 0, len(page.Contents))
		for _, o := range page.Contents {
			objs = append(objs, ObjectInfo{
				Key:          aws.ToString(o.Key),
				Size:         aws.ToInt64(o.Size),
				LastModified: aws.ToTime(o.LastModified),
			})
		}
		if err := fn(objs); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBatch removes up to MaxDeleteBatch objects with one DeleteObjects call.
func (s *Store) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if len(keys) > MaxDeleteBatch {
		return fmt.Errorf("storage: delete batch of %d exceeds %d", len(keys), MaxDeleteBatch)
	}

	ids := make([]types.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
	}

	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("storage: delete objects: %w", err)
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return fmt.Errorf("storage: delete objects: %d failed, first %s: %s %s",
			len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Code), aws.ToString(first.Message))
	}
	return nil
}

// ── Multi-provider failover ───────────────────────────────────────────────────

// MultiStore tries providers in order and returns on first success.
type MultiStore struct {
	providers []Backend
}

// NewMultiStore creates a MultiStore from a list of Backends (primary first).
func NewMultiStore(providers ...Backend) *MultiStore {
	return &MultiStore{providers: providers}
}

func (m *MultiStore) Provider() string {
	names := make([]string, 0, len(m.providers))
	for _, p := range m.providers {
		names = append(names, p.Provider())
	}
	return fmt.Sprintf("multi%v", names)
}

// Put uploads to the first available provider. When all of them fail the
// returned error carries every provider's failure, so a connectivity error
// on the primary still classifies as transient.
func (m *MultiStore) Put(ctx context.Context, key string, body io.ReadSeeker, size int64, metadata map[string]string) error {
	var errs []error
	for _, p := range m.providers {
		if _, serr := body.Seek(0, io.SeekStart); serr != nil {
			return fmt.Errorf("storage: rewind body: %w", serr)
		}
		err := p.Put(ctx, key, body, size, metadata)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Provider(), err))
	}
	return fmt.Errorf("storage: all providers failed: %w", errors.Join(errs...))
}

// Get fetches from the first provider that has the object.
func (m *MultiStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	var lastErr error
	for _, p := range m.providers {
		rc, info, err := p.Get(ctx, key)
		if err == nil {
			return rc, info, nil
		}
		lastErr = err
	}
	return nil, ObjectInfo{}, fmt.Errorf("storage: all providers failed: %w", lastErr)
}

// List merges the listings of all providers, de-duplicated by key and sorted.
func (m *MultiStore) List(ctx context.Context, prefix string, fn func(page []ObjectInfo) error) error {
	seen := make(map[string]ObjectInfo)
	for _, p := range m.providers {
		err := p.List(ctx, prefix, func(page []ObjectInfo) error {
			for _, o := range page {
				if _, ok := seen[o.Key]; !ok {
					seen[o.Key] = o
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	all := make([]ObjectInfo, 0, len(seen))
	for _, o := range seen {
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })

	for start := 0; start < len(all); start += MaxDeleteBatch {
		end := min(start+MaxDeleteBatch, len(all))
		if err := fn(all[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBatch deletes from all providers (best-effort).
func (m *MultiStore) DeleteBatch(ctx context.Context, keys []string) error {
	var errs []error
	for _, p := range m.providers {
		if err := p.DeleteBatch(ctx, keys); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ping succeeds when any provider is reachable.
func (m *MultiStore) Ping(ctx context.Context) error {
	var errs []error
	for _, p := range m.providers {
		err := p.Ping(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
