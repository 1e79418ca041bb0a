package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/config"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/model"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
)

// S3Store is an S3-backed implementation of the RemoteStore interface.
// It works against Amazon S3 or any S3-compatible provider via a custom
// endpoint. Object layout under the key prefix:
//
//	content/<hash>      (content objects, named by SHA-256)
//	snapshot.json       (metadata snapshot)
//	snapshot.version    (snapshot version, readable without the snapshot)
//	sync.lock           (mirror-wide sync lock)
//
// The sync lock is advisory. S3 offers no compare-and-swap, so two peers
// racing for the lock within one round-trip can both win; the snapshot
// version check during sync catches the resulting divergence.
type S3Store struct {
	name     string
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Store creates an S3 remote store from the remote config.
// The bucket must already exist.
func NewS3Store(ctx context.Context, cfg config.RemoteConfig) (*S3Store, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 remote requires s3_bucket to be set")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			// S3-compatible providers generally need path-style addressing
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		name:     cfg.Name,
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.S3Bucket,
		prefix:   strings.TrimSuffix(cfg.S3Prefix, "/"),
	}, nil
}

// key joins the configured prefix with the given object path.
func (v *S3Store) key(parts ...string) string {
	if v.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{v.prefix}, parts...)...)
}

// transportErr wraps an S3 transport failure so callers can detect it with
// errors.Is(err, ErrRemoteUnavailable).
func transportErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, store.ErrRemoteUnavailable, err)
}

// isNoSuchKey reports whether the error means the object does not exist.
func isNoSuchKey(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

// PutContent uploads a content object under its hash. Idempotent: uploading
// the same hash again just overwrites the identical bytes.
func (v *S3Store) PutContent(ctx context.Context, hash string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key("content", hash)),
		Body:   r,
	})
	if err != nil {
		return transportErr("uploading content "+hash, err)
	}
	return nil
}

// GetContent downloads the object for hash and writes it to w.
func (v *S3Store) GetContent(ctx context.Context, hash string, w io.Writer) error {
	result, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key("content", hash)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return fmt.Errorf("remote content %s: %w", hash, store.ErrNotFound)
		}
		return transportErr("downloading content "+hash, err)
	}
	defer result.Body.Close()

	if _, err := io.Copy(w, result.Body); err != nil {
		return transportErr("reading content "+hash, err)
	}
	return nil
}

// DeleteContent removes a content object. S3 DeleteObject succeeds for
// absent keys, matching the interface contract.
func (v *S3Store) DeleteContent(ctx context.Context, hash string) error {
	_, err := v.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key("content", hash)),
	})
	if err != nil {
		return transportErr("deleting content "+hash, err)
	}
	return nil
}

// ListContent returns the hashes of all stored content objects.
func (v *S3Store) ListContent(ctx context.Context) ([]string, error) {
	contentPrefix := v.key("content") + "/"

	var hashes []string
	paginator := s3.NewListObjectsV2Paginator(v.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(v.bucket),
		Prefix: aws.String(contentPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, transportErr("listing content", err)
		}
		for _, obj := range page.Contents {
			hashes = append(hashes, strings.TrimPrefix(aws.ToString(obj.Key), contentPrefix))
		}
	}
	return hashes, nil
}

// getObject downloads a small object into memory.
func (v *S3Store) getObject(ctx context.Context, key string) ([]byte, error) {
	result, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer result.Body.Close()
	return io.ReadAll(result.Body)
}

// putObject uploads a small in-memory object.
func (v *S3Store) putObject(ctx context.Context, key string, data []byte) error {
	_, err := v.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

// Snapshot downloads the metadata snapshot.
func (v *S3Store) Snapshot(ctx context.Context) (*model.Snapshot, error) {
	data, err := v.getObject(ctx, v.key("snapshot.json"))
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("remote snapshot: %w", store.ErrNotFound)
		}
		return nil, transportErr("downloading snapshot", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// PutSnapshot replaces the metadata snapshot and its version marker.
func (v *S3Store) PutSnapshot(ctx context.Context, snap *model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := v.putObject(ctx, v.key("snapshot.json"), data); err != nil {
		return transportErr("uploading snapshot", err)
	}

	// The version marker lets peers run the skip check without downloading
	// the full snapshot.
	versionData := []byte(strconv.FormatInt(snap.Version, 10))
	if err := v.putObject(ctx, v.key("snapshot.version"), versionData); err != nil {
		return transportErr("uploading snapshot version", err)
	}
	return nil
}

// SnapshotVersion returns the snapshot version without downloading the
// snapshot. Returns 0 when no version marker exists.
func (v *S3Store) SnapshotVersion(ctx context.Context) (int64, error) {
	data, err := v.getObject(ctx, v.key("snapshot.version"))
	if err != nil {
		if isNoSuchKey(err) {
			return 0, nil
		}
		return 0, transportErr("downloading snapshot version", err)
	}

	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// AcquireSyncLock takes the mirror-wide sync lock. An expired lock is
// reclaimed regardless of owner.
func (v *S3Store) AcquireSyncLock(ctx context.Context, owner string, ttl time.Duration) error {
	lockKey := v.key("sync.lock")

	data, err := v.getObject(ctx, lockKey)
	if err == nil {
		var lock syncLockFile
		if err := json.Unmarshal(data, &lock); err == nil {
			if lock.Owner != "" && lock.Owner != owner && time.Now().Before(lock.ExpiresAt) {
				return fmt.Errorf("sync lock held by %s until %s: %w",
					lock.Owner, lock.ExpiresAt.Format(time.RFC3339), store.ErrLocked)
			}
		}
	} else if !isNoSuchKey(err) {
		return transportErr("reading sync lock", err)
	}

	lock := syncLockFile{Owner: owner, ExpiresAt: time.Now().Add(ttl)}
	lockData, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("encoding sync lock: %w", err)
	}
	if err := v.putObject(ctx, lockKey, lockData); err != nil {
		return transportErr("writing sync lock", err)
	}
	return nil
}

// ReleaseSyncLock releases the sync lock if owner holds it. Releasing a lock
// that is absent or held by someone else is a no-op.
func (v *S3Store) ReleaseSyncLock(ctx context.Context, owner string) error {
	lockKey := v.key("sync.lock")

	data, err := v.getObject(ctx, lockKey)
	if err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return transportErr("reading sync lock", err)
	}

	var lock syncLockFile
	if err := json.Unmarshal(data, &lock); err != nil || lock.Owner != owner {
		return nil
	}

	if _, err := v.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(lockKey),
	}); err != nil {
		return transportErr("removing sync lock", err)
	}
	return nil
}

// Validate verifies the bucket is accessible.
func (v *S3Store) Validate(ctx context.Context) error {
	_, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(v.bucket),
	})
	if err != nil {
		return transportErr("accessing bucket "+v.bucket, err)
	}
	return nil
}

// Compile-time check that S3Store implements the RemoteStore interface
var _ store.RemoteStore = (*S3Store)(nil)
