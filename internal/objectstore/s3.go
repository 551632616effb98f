package objectstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"muxcore/internal/config"
)

// S3Archive backs Archive with an S3 (or S3-compatible, e.g. MinIO)
// bucket. All keys live under the configured prefix; callers never see it.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
	sse    config.S3SSEConfig
}

// S3Option customizes S3Archive construction.
type S3Option func(*s3Settings)

type s3Settings struct {
	httpClient *http.Client
}

// WithHTTPClient overrides the HTTP client used for bucket requests, e.g.
// an instrumented one.
func WithHTTPClient(c *http.Client) S3Option {
	return func(s *s3Settings) { s.httpClient = c }
}

// NewS3Archive dials the configured bucket. Static credentials win over
// the ambient AWS credential chain when both are present.
func NewS3Archive(ctx context.Context, cfg config.S3Config, opts ...S3Option) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	var settings s3Settings
	for _, opt := range opts {
		opt(&settings)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	if httpClient := buildS3HTTPClient(cfg, settings); httpClient != nil {
		loadOpts = append(loadOpts, awsconfig.WithHTTPClient(httpClient))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO and friends require path-style addressing.
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
		sse:    cfg.SSE,
	}, nil
}

func buildS3HTTPClient(cfg config.S3Config, settings s3Settings) *http.Client {
	if cfg.TLSInsecureSkipVerify {
		return &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}}
	}
	return settings.httpClient
}

func (a *S3Archive) fullKey(key string) string {
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}

func (a *S3Archive) trimKey(key string) string {
	if a.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, a.prefix+"/")
}

// applySSE stamps the configured server-side-encryption mode onto a put.
func (a *S3Archive) applySSE(input *s3.PutObjectInput) {
	switch a.sse.Mode {
	case "sse-s3":
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	case "sse-kms":
		input.ServerSideEncryption = s3types.ServerSideEncryptionAwsKms
		if a.sse.KMSKeyID != "" {
			input.SSEKMSKeyId = aws.String(a.sse.KMSKeyID)
		}
	}
}

func (a *S3Archive) Put(ctx context.Context, key string, r io.Reader, contentType string) (Artifact, error) {
	// The SDK needs a seekable body for signing; patch files are small
	// enough (a format-patch of one task's commits) to buffer whole.
	data, err := io.ReadAll(r)
	if err != nil {
		return Artifact{}, fmt.Errorf("read artifact: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.fullKey(key)),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	a.applySSE(input)

	result, err := a.client.PutObject(ctx, input)
	if err != nil {
		return Artifact{}, mapS3Error("put", err)
	}
	return Artifact{
		Key:         key,
		Size:        int64(len(data)),
		ETag:        aws.ToString(result.ETag),
		ArchivedAt:  time.Now().UTC(),
		ContentType: contentType,
	}, nil
}

func (a *S3Archive) Get(ctx context.Context, key string) (io.ReadCloser, Artifact, error) {
	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.fullKey(key)),
	})
	if err != nil {
		return nil, Artifact{}, mapS3Error("get", err)
	}
	art := Artifact{
		Key:         key,
		Size:        aws.ToInt64(result.ContentLength),
		ETag:        aws.ToString(result.ETag),
		ArchivedAt:  aws.ToTime(result.LastModified),
		ContentType: aws.ToString(result.ContentType),
	}
	return result.Body, art, nil
}

func (a *S3Archive) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.fullKey(key)),
	})
	if err != nil {
		mapped := mapS3Error("delete", err)
		if errors.Is(mapped, ErrNotFound) {
			return nil
		}
		return mapped
	}
	return nil
}

func (a *S3Archive) List(ctx context.Context, prefix string) ([]Artifact, error) {
	var out []Artifact
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.fullKey(prefix)),
	}
	for {
		page, err := a.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, mapS3Error("list", err)
		}
		for _, obj := range page.Contents {
			out = append(out, Artifact{
				Key:        a.trimKey(aws.ToString(obj.Key)),
				Size:       aws.ToInt64(obj.Size),
				ETag:       aws.ToString(obj.ETag),
				ArchivedAt: aws.ToTime(obj.LastModified),
			})
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		input.ContinuationToken = page.NextContinuationToken
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Ping verifies the bucket exists and is reachable with the configured
// credentials, bounded to ten seconds so startup can't hang on a bad
// endpoint.
func (a *S3Archive) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		mapped := mapS3Error("ping", err)
		if errors.Is(mapped, ErrNotFound) {
			return ErrBucketMissing
		}
		return mapped
	}
	return nil
}

// mapS3Error folds the SDK's typed and string-coded failures onto the
// package's sentinel errors; anything unrecognized is wrapped with the
// operation name.
func mapS3Error(op string, err error) error {
	var notFound *s3types.NotFound
	var noSuchKey *s3types.NoSuchKey
	var noSuchBucket *s3types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey), errors.As(err, &noSuchBucket):
		return ErrNotFound
	case strings.Contains(err.Error(), "NotFound"), strings.Contains(err.Error(), "NoSuchKey"):
		return ErrNotFound
	case strings.Contains(err.Error(), "AccessDenied"), strings.Contains(err.Error(), "Forbidden"):
		return ErrAccessDenied
	}
	return fmt.Errorf("s3 %s: %w", op, err)
}

var _ Archive = (*S3Archive)(nil)
