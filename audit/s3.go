package audit

import (
	"context"
	"errors"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"
)

// S3Config locates an audit dataset in S3 or an S3-compatible store.
// Credentials come from the AWS default chain.
type S3Config struct {
	// Location is "bucket" or "bucket/prefix", with an optional s3:// scheme.
	Location string
	Region   string
	// Endpoint overrides the AWS endpoint (MinIO, R2). PathStyle is usually
	// needed with it.
	Endpoint  string
	PathStyle bool
}

// ParseS3Path splits a location into bucket and key prefix.
func ParseS3Path(location string) (bucket, prefix string) {
	location = strings.Trim(strings.TrimPrefix(location, "s3://"), "/")
	bucket, prefix, _ = strings.Cut(location, "/")
	return bucket, prefix
}

// NewS3 opens an archive stored in S3.
func NewS3(ctx context.Context, dataset string, cfg S3Config) (*Archive, error) {
	bucket, prefix := ParseS3Path(cfg.Location)
	if bucket == "" {
		return nil, errors.New("audit: s3 location needs a bucket")
	}

	client, err := s3Client(ctx, cfg)
	if err != nil {
		return nil, storageErr("init", dataset, err)
	}
	a, err := NewWithFactory(dataset, func() (lode.Store, error) {
		return lodes3.New(client, lodes3.Config{Bucket: bucket, Prefix: prefix})
	})
	if err != nil {
		return nil, err
	}
	a.backend = "s3"
	return a, nil
}

func s3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var load []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		load = append(load, awsconfig.WithRegion(cfg.Region))
	}
	aws, err := awsconfig.LoadDefaultConfig(ctx, load...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(aws, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}
