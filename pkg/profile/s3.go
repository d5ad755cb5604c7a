package profile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// S3Config configures an S3-backed profile store.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string

	// Key is the object key of the profile (required).
	Key string

	// Region is the AWS region. Empty lets the SDK resolve it.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the AWS shared config profile name.
	Profile string

	// AccessKeyID and SecretAccessKey provide explicit static credentials.
	// When empty the default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle enables path-style addressing (required by most
	// S3-compatible stores).
	ForcePathStyle bool
}

// Validate checks the configuration.
func (c S3Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("%w: bucket is required", ErrInvalidURI)
	}
	if strings.TrimSpace(c.Key) == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidURI)
	}
	return nil
}

// ObjectAPI is the subset of the S3 client used by S3Store.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps a profile as a single S3 object.
type S3Store struct {
	client ObjectAPI
	bucket string
	key    string
}

var _ Store = (*S3Store)(nil)

// NewS3Store creates an S3 store using the AWS SDK v2 default credential
// chain unless explicit credentials are configured.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &StoreError{Op: "Open", Location: s3Location(cfg.Bucket, cfg.Key), Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return NewS3StoreWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Key), nil
}

// NewS3StoreWithClient creates an S3 store around an existing client.
func NewS3StoreWithClient(client ObjectAPI, bucket, key string) *S3Store {
	return &S3Store{client: client, bucket: bucket, key: key}
}

// Location returns the s3:// URI of the profile object.
func (s *S3Store) Location() string {
	return s3Location(s.bucket, s.key)
}

// Load fetches and decodes the profile object.
func (s *S3Store) Load(ctx context.Context) (Profile, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, s.wrapError("Load", err)
	}
	defer func() { _ = out.Body.Close() }()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, s.wrapError("Load", err)
	}

	p, err := Decode(bytes.NewReader(b))
	if err != nil {
		return nil, &StoreError{Op: "Load", Location: s.Location(), Err: err}
	}
	return p, nil
}

// Save encodes and uploads the profile object.
func (s *S3Store) Save(ctx context.Context, p Profile) error {
	var buf bytes.Buffer
	if err := Encode(&buf, p); err != nil {
		return &StoreError{Op: "Save", Location: s.Location(), Err: err}
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
		ContentType:   aws.String("application/yaml"),
	})
	if err != nil {
		return s.wrapError("Save", err)
	}
	return nil
}

// wrapError maps S3 errors onto the package sentinels.
func (s *S3Store) wrapError(op string, err error) error {
	wrapped := &StoreError{Op: op, Location: s.Location(), Err: err}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		wrapped.Err = ErrNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = ErrNotFound
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = fmt.Errorf("%w: %s", ErrAccessDenied, apiErr.ErrorMessage())
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = ErrThrottled
		}
	}
	return wrapped
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Only apply explicit region if set; let the SDK resolve from env/profile first.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// resolveRegion defaults the region for AWS proper. S3-compatible endpoints
// get no default since many of them ignore region entirely.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

func s3Location(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}
