// storage/s3.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mmp/bkmirror/retry"
)

// S3Options configures a target that talks to S3 or to an S3 compatible
// server such as MinIO.
type S3Options struct {
	// Optional; the AWS endpoint for the region is used if empty.
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	// MinIO and most other non-AWS servers need path style addressing.
	UsePathStyle bool
}

type s3Target struct {
	client *s3.Client

	mu      sync.Mutex
	buckets map[string]bool
}

func NewS3(ctx context.Context, options S3Options) (Target, error) {
	if options.Region == "" {
		options.Region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(options.Region)}
	if options.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(options.AccessKey, options.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if options.Endpoint != "" {
			o.BaseEndpoint = aws.String(options.Endpoint)
		}
		o.UsePathStyle = options.UsePathStyle
		// Encoded streams are produced on the fly and can't be rewound
		// to compute a payload hash.
		o.APIOptions = append(o.APIOptions, v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)
	})
	return &s3Target{client: client, buckets: make(map[string]bool)}, nil
}

func (s *s3Target) String() string {
	return "s3"
}

func (s *s3Target) ensureBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buckets[bucket] {
		return nil
	}

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		log.Verbose("s3://%s: creating bucket", bucket)
		if _, createErr := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(bucket),
		}); createErr != nil {
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", bucket, createErr)
		}
	}
	s.buckets[bucket] = true
	return nil
}

func s3Transient(err error) error {
	var nsk *types.NoSuchKey
	var nsb *types.NoSuchBucket
	if err == nil || errors.As(err, &nsk) || errors.As(err, &nsb) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return retry.Retryable(err)
}

func (s *s3Target) List(ctx context.Context, container string, max int) (names []string, err error) {
	start := time.Now()
	defer func() { record("s3", "list", start, err) }()

	if err = s.ensureBucket(ctx, container); err != nil {
		return nil, err
	}
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		names = names[:0]
		p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(container),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return s3Transient(err)
			}
			for _, obj := range page.Contents {
				names = append(names, aws.ToString(obj.Key))
			}
			if max > 0 && len(names) >= max {
				break
			}
		}
		return nil
	})
	sort.Strings(names)
	return limitNames(names, max), err
}

func (s *s3Target) Upload(ctx context.Context, r io.Reader, size int64, container, name string) (err error) {
	start := time.Now()
	defer func() { record("s3", "upload", start, err) }()

	if err = s.ensureBucket(ctx, container); err != nil {
		return err
	}
	log.Debug("s3://%s/%s: starting upload of %d bytes", container, name, size)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(container),
		Key:           aws.String(name),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", name, err)
	}
	return nil
}

func (s *s3Target) Download(ctx context.Context, container, name string, w io.Writer, off, length int64) (err error) {
	start := time.Now()
	defer func() { record("s3", "download", start, err) }()

	input := &s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	}
	if off > 0 || length > 0 {
		if length > 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", off, off+length-1))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", off))
		}
	}

	result, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*s3.GetObjectOutput, error) {
		out, err := s.client.GetObject(ctx, input)
		return out, s3Transient(err)
	})
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("s3://%s/%s: %w", container, name, ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("get object %s: %w", name, err)
	}
	defer result.Body.Close()

	_, err = io.Copy(w, result.Body)
	return err
}

func (s *s3Target) Delete(ctx context.Context, container string, names ...string) (err error) {
	start := time.Now()
	defer func() { record("s3", "delete", start, err) }()

	for _, name := range names {
		err = retry.Do(ctx, retry.DefaultConfig(), func() error {
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(container),
				Key:    aws.String(name),
			})
			var nsk *types.NoSuchKey
			if errors.As(err, &nsk) {
				return nil
			}
			return s3Transient(err)
		})
		if err != nil {
			return fmt.Errorf("s3://%s/%s: %w", container, name, err)
		}
	}
	return nil
}
