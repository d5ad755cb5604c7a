// Package cloudtest backs profile store tests with a moto S3 server.
//
// Tests using it carry the cloudintegration build tag:
//
//	bucket := cloudtest.NewBucket(t)
//	store, err := profile.Open(ctx, bucket.URI("gojobs/profile.yaml"))
package cloudtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/3leaps/gojobs/pkg/profile"
)

// moto accepts any credentials.
const credential = "testing"

var (
	// Endpoint is the moto server, MOTO_ENDPOINT overrides it. Port 5555
	// stays clear of the macOS AirPlay receiver on 5000.
	Endpoint = envOr("MOTO_ENDPOINT", "http://localhost:5555")

	// Region is the region profile stores are opened in, MOTO_REGION
	// overrides it.
	Region = envOr("MOTO_REGION", "us-east-1")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SkipIfUnavailable skips the test when moto does not answer.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err == nil {
		var resp *http.Response
		if resp, err = http.DefaultClient.Do(req); err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
	}
	t.Skipf("moto server not available at %s (start with: moto_server -p 5555)", Endpoint)
}

// Bucket is a scratch bucket for profile objects. It is emptied and
// removed when the test ends.
type Bucket struct {
	Name string

	t      *testing.T
	client *s3.Client
}

// NewBucket creates a bucket named after the test and points the default
// AWS credential chain at moto, so profile.Open works on its URIs.
func NewBucket(t *testing.T) *Bucket {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", credential)
	t.Setenv("AWS_SECRET_ACCESS_KEY", credential)
	t.Setenv("AWS_REGION", Region)

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(credential, credential, "")),
	)
	if err != nil {
		t.Fatalf("load aws config: %v", err)
	}
	b := &Bucket{
		Name: bucketName(t.Name()),
		t:    t,
		client: s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(Endpoint)
			o.UsePathStyle = true
		}),
	}
	if _, err := b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.Name)}); err != nil {
		t.Fatalf("create bucket %s: %v", b.Name, err)
	}
	t.Cleanup(b.remove)
	return b
}

// bucketName derives a valid, unique bucket name from a test name.
func bucketName(test string) string {
	name := strings.NewReplacer("/", "-", "_", "-", " ", "-").Replace(strings.ToLower(test))
	if len(name) > 50 {
		name = name[:50]
	}
	return fmt.Sprintf("%s-%d", strings.Trim(name, "-"), time.Now().UnixNano()%100000)
}

// URI returns the s3:// profile location of key, routed to moto.
func (b *Bucket) URI(key string) string {
	q := url.Values{}
	q.Set("endpoint", Endpoint)
	q.Set("region", Region)
	q.Set("force_path_style", "true")
	return fmt.Sprintf("s3://%s/%s?%s", b.Name, key, q.Encode())
}

// Config returns an S3Config for key with explicit moto credentials.
func (b *Bucket) Config(key string) profile.S3Config {
	return profile.S3Config{
		Bucket:          b.Name,
		Key:             key,
		Region:          Region,
		Endpoint:        Endpoint,
		AccessKeyID:     credential,
		SecretAccessKey: credential,
		ForcePathStyle:  true,
	}
}

// Read returns the raw profile document stored at key.
func (b *Bucket) Read(key string) []byte {
	b.t.Helper()
	out, err := b.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(b.Name),
		Key:    aws.String(key),
	})
	if err != nil {
		b.t.Fatalf("get %s: %v", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		b.t.Fatalf("read %s: %v", key, err)
	}
	return data
}

// Write stores a raw profile document at key, bypassing the codec.
func (b *Bucket) Write(key string, data []byte) {
	b.t.Helper()
	_, err := b.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(b.Name),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		b.t.Fatalf("put %s: %v", key, err)
	}
}

func (b *Bucket) remove() {
	ctx := context.Background()
	pages := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{Bucket: aws.String(b.Name)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			b.t.Logf("list %s: %v", b.Name, err)
			return
		}
		for _, obj := range page.Contents {
			if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.Name), Key: obj.Key}); err != nil {
				b.t.Logf("delete %s: %v", aws.ToString(obj.Key), err)
			}
		}
	}
	if _, err := b.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(b.Name)}); err != nil {
		b.t.Logf("delete bucket %s: %v", b.Name, err)
	}
}
