package storage

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/streamforge/transcoder/internal/config"
)

// s3Mirror is a best-effort remote copy of whatever PromoteExtracted just
// wrote locally, served from CDNEndpoint.
type s3Mirror struct {
	client *s3.Client
	bucket string
}

// NewS3Mirror builds the mirror from S3Config, supporting S3-compatible
// endpoints (Endpoint override) the way MinIO/R2 deployments require.
func NewS3Mirror(ctx context.Context, cfg config.S3Config) (Mirror, error) {
	if !cfg.Enabled {
		return noopMirror{}, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.Endpoint != ""
	})

	return &s3Mirror{client: client, bucket: cfg.VideosBucket}, nil
}

func (m *s3Mirror) PutDir(localDir, remotePrefix string) error {
	entries, err := os.ReadDir(localDir)
	if err != nil {
		return fmt.Errorf("s3 mirror read dir: %w", err)
	}
	ctx := context.Background()
	for _, e := range entries {
		if e.IsDir() {
			if err := m.PutDir(filepath.Join(localDir, e.Name()), remotePrefix+"/"+e.Name()); err != nil {
				return err
			}
			continue
		}
		if err := m.putFile(ctx, filepath.Join(localDir, e.Name()), remotePrefix+"/"+e.Name()); err != nil {
			return fmt.Errorf("s3 mirror put %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (m *s3Mirror) putFile(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	return err
}

func (m *s3Mirror) DeletePrefix(remotePrefix string) error {
	ctx := context.Background()
	out, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(remotePrefix + "/"),
	})
	if err != nil {
		return fmt.Errorf("s3 mirror list %s: %w", remotePrefix, err)
	}
	for _, obj := range out.Contents {
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    obj.Key,
		}); err != nil {
			return fmt.Errorf("s3 mirror delete %s: %w", *obj.Key, err)
		}
	}
	return nil
}
