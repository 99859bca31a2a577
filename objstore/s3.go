// Package objstore wraps the object-store SDK behind small fetch and upload
// interfaces and maps SDK failures onto a stable error taxonomy.
package objstore

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/justapithecus/bale/log"
	"github.com/justapithecus/bale/types"
)

// metadata key under which the archive digest is recorded and later verified.
const checksumMetadataKey = "content-sha256"

// uploadPartSize is the multipart chunk size for archive uploads.
const uploadPartSize = 16 * 1024 * 1024

// Fetcher streams a source object's body.
type Fetcher interface {
	// Fetch opens the object for reading. The returned length is the
	// store-reported content length, or -1 when unknown. The caller owns
	// the reader and must close it.
	Fetch(ctx context.Context, ref types.ObjectRef) (io.ReadCloser, int64, error)
}

// Uploader writes a finished archive to the destination container.
type Uploader interface {
	// Upload stores body under key, stamps the digest into object metadata,
	// and verifies the stored copy before returning.
	Upload(ctx context.Context, key string, body io.Reader, size int64, sha256Hex string) error
}

// S3Store implements Fetcher and Uploader against S3-compatible stores.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	kmsKeyID string
	verify   bool
	logger   *log.Logger
}

// S3Option customizes an S3Store.
type S3Option func(*S3Store)

// WithKMSKey enables server-side encryption with the given key on uploads.
func WithKMSKey(keyID string) S3Option {
	return func(s *S3Store) { s.kmsKeyID = keyID }
}

// WithoutVerification disables the post-upload read-back check.
func WithoutVerification() S3Option {
	return func(s *S3Store) { s.verify = false }
}

// NewS3Store builds a store that uploads into bucket.
func NewS3Store(client *s3.Client, bucket string, logger *log.Logger, opts ...S3Option) *S3Store {
	s := &S3Store{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = uploadPartSize
		}),
		bucket: bucket,
		verify: true,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch opens the source object, pinned to its version when the notification
// carried one so a concurrent overwrite cannot swap the body mid-bundle.
func (s *S3Store) Fetch(ctx context.Context, ref types.ObjectRef) (io.ReadCloser, int64, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(ref.Container),
		Key:    aws.String(ref.OriginalKey),
	}
	if ref.VersionToken != "" {
		input.VersionId = aws.String(ref.VersionToken)
	}

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		return nil, 0, fmt.Errorf("get %s/%s: %w", ref.Container, ref.OriginalKey, classify(err))
	}

	length := int64(-1)
	if out.ContentLength != nil {
		length = *out.ContentLength
	}
	return out.Body, length, nil
}

// Upload streams the archive into the destination bucket and, unless
// disabled, reads back the stored object's metadata to confirm the digest
// and size survived the trip.
func (s *S3Store) Upload(ctx context.Context, key string, body io.Reader, size int64, sha256Hex string) error {
	input := &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            body,
		ContentType:     aws.String("application/gzip"),
		ContentEncoding: aws.String("gzip"),
		Metadata: map[string]string{
			checksumMetadataKey: sha256Hex,
		},
	}
	if s.kmsKeyID != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(s.kmsKeyID)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("upload %s: %w", key, classify(err))
	}

	if !s.verify {
		return nil
	}
	return s.verifyUpload(ctx, key, size, sha256Hex)
}

func (s *S3Store) verifyUpload(ctx context.Context, key string, size int64, sha256Hex string) error {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("verify %s: %w", key, classify(err))
	}

	if head.ContentLength != nil && *head.ContentLength != size {
		return fmt.Errorf("verify %s: stored %d bytes, wrote %d: %w",
			key, *head.ContentLength, size, ErrChecksumMismatch)
	}
	if stored, ok := head.Metadata[checksumMetadataKey]; ok && stored != sha256Hex {
		return fmt.Errorf("verify %s: stored digest %s, wrote %s: %w",
			key, stored, sha256Hex, ErrChecksumMismatch)
	}

	s.logger.Debug("upload verified", map[string]any{
		"key":  key,
		"size": size,
	})
	return nil
}

var (
	_ Fetcher  = (*S3Store)(nil)
	_ Uploader = (*S3Store)(nil)
)
