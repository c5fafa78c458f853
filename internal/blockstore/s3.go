package blockstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"dcol-go/internal/content"
)

// S3Store keeps blocks as S3 objects under <prefix>/blocks/<address>.
// It is the remote-pinning backend: a peer can keep its pinned content in
// a bucket instead of (or in addition to) local disk.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// S3Options configure the S3 backend. AccessKeyID/SecretAccessKey are
// optional; when empty the SDK's default credential chain applies.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Store builds an S3 block store from options.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 block store requires a bucket")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
	}, nil
}

var _ content.BlockStore = (*S3Store)(nil)

// Address computes the content address for a payload.
func (s *S3Store) Address(data []byte) string { return Address(data) }

func (s *S3Store) key(address string) string {
	return path.Join(s.prefix, "blocks", address)
}

// Put uploads a block under its content address. An existing object is
// left alone: same address means same bytes.
func (s *S3Store) Put(ctx context.Context, data []byte) (string, error) {
	address := Address(data)
	key := s.key(address)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return address, nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return "", fmt.Errorf("checking for existing block: %w", err)
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("uploading block: %w", err)
	}
	return address, nil
}

// Get downloads a block. A missing object is absence, not an error.
func (s *S3Store) Get(ctx context.Context, address string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(address)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("downloading block: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("reading block body: %w", err)
	}
	return data, true, nil
}

// Pin is a no-op: an uploaded object is retained until unpinned.
func (s *S3Store) Pin(_ context.Context, _ string) error { return nil }

// Unpin deletes the object. S3 delete is idempotent, so unpinning an
// absent address is not an error.
func (s *S3Store) Unpin(ctx context.Context, address string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(address)),
	})
	if err != nil {
		return fmt.Errorf("deleting block: %w", err)
	}
	return nil
}
