package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/tracekeeper/pkg/config"
)

// Compile-time interface check.
var _ Store = (*S3)(nil)

// S3 stores blobs as objects in an S3-compatible bucket. Locations are
// full object keys including the configured prefix.
type S3 struct {
	log    logrus.FieldLogger
	cfg    *config.S3StorageConfig
	client *s3.Client
}

// NewS3 creates an S3 backend from cfg. No request is made until Prepare.
func NewS3(log logrus.FieldLogger, cfg *config.S3StorageConfig) *S3 {
	return &S3{
		log:    log.WithField("component", "blobstore-s3"),
		cfg:    cfg,
		client: newS3Client(cfg),
	}
}

// Backend implements Store.
func (s *S3) Backend() string {
	return "s3"
}

// Prepare verifies that the bucket is reachable.
func (s *S3) Prepare(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.cfg.Bucket),
	}); err != nil {
		return fmt.Errorf("checking bucket s3://%s: %w", s.cfg.Bucket, err)
	}

	return nil
}

// objectKey places key under the configured prefix.
func (s *S3) objectKey(key string) string {
	prefix := strings.Trim(s.cfg.Prefix, "/")
	if prefix == "" {
		return key
	}

	return prefix + "/" + key
}

// Put buffers r so the SDK can sign a seekable body.
func (s *S3) Put(ctx context.Context, key, contentType string, r io.Reader) (string, int64, error) {
	if err := checkKey(key); err != nil {
		return "", 0, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("reading %s: %w", key, err)
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	objectKey := s.objectKey(key)

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	}); err != nil {
		return "", 0, fmt.Errorf("PutObject %s: %w", objectKey, err)
	}

	s.log.WithFields(logrus.Fields{
		"key":    objectKey,
		"bucket": s.cfg.Bucket,
		"size":   len(data),
	}).Debug("Stored attachment")

	return objectKey, int64(len(data)), nil
}

// Open implements Store.
func (s *S3) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if err := checkKey(location); err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(location),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%s: %w", location, ErrNotFound)
		}

		return nil, fmt.Errorf("getting object %q: %w", location, err)
	}

	return out.Body, nil
}

// Delete implements Store. S3 reports success for a missing key.
func (s *S3) Delete(ctx context.Context, location string) error {
	if err := checkKey(location); err != nil {
		return err
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(location),
	}); err != nil {
		return fmt.Errorf("deleting object %q: %w", location, err)
	}

	return nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	return strings.Contains(err.Error(), "NoSuchKey")
}

func newS3Client(cfg *config.S3StorageConfig) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}
