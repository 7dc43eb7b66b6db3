// Package archive mirrors the coordinator's durable artifacts — the
// reports directory and the Context snapshot file — to an S3-compatible
// bucket, so they survive loss of local disk. It is optional: callers
// only construct an Archiver when [server] archive_bucket is
// configured.
package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"
)

// Archiver uploads gzipped archives of the coordinator's durable state
// to one S3(-compatible) bucket.
type Archiver struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// Options configures how New reaches the bucket. Endpoint,
// AccessKeyID, and SecretAccessKey are optional: when empty, New falls
// back to the default AWS credential chain and AWS's own endpoint
// resolution, exactly like any other aws-sdk-go-v2 service client.
// Set them to point at an S3-compatible store (e.g. MinIO) instead.
type Options struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// New builds an Archiver for bucket.
func New(ctx context.Context, bucket string, opts Options, logger *slog.Logger) (*Archiver, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var configOpts []func(*awsconfig.LoadOptions) error
	if opts.AccessKeyID != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Archiver{client: client, bucket: bucket, logger: logger}, nil
}

// ArchiveReports tars and parallel-gzips reportsDir and uploads it to
// key "reports/<key>.tar.gz" without staging a temp file: the tar
// writer, the pgzip writer, and the S3 upload are chained through an
// io.Pipe.
func (a *Archiver) ArchiveReports(ctx context.Context, reportsDir, key string) error {
	return a.uploadTarGz(ctx, reportsDir, "reports/"+key+".tar.gz")
}

// ArchiveSnapshot gzips the single snapshot file at path and uploads it
// to key "snapshots/<key>.gz". The read side uses klauspost/compress's
// gzip reader-compatible writer so a restore path can decompress with
// either package; pgzip's concurrency is reserved for the larger
// reports archive.
func (a *Archiver) ArchiveSnapshot(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening snapshot %s: %w", path, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	go func() {
		gw := gzip.NewWriter(pw)
		_, err := io.Copy(gw, f)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := gw.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	objectKey := "snapshots/" + key + ".gz"
	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objectKey),
		Body:   pr,
	}); err != nil {
		return fmt.Errorf("uploading %s to s3://%s/%s: %w", path, a.bucket, objectKey, err)
	}

	a.logger.Info("archived snapshot", "bucket", a.bucket, "key", objectKey)
	return nil
}

func (a *Archiver) uploadTarGz(ctx context.Context, srcDir, key string) error {
	pr, pw := io.Pipe()

	go func() {
		gw := pgzip.NewWriter(pw)
		tw := tar.NewWriter(gw)

		err := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(srcDir, path)
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = rel
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := tw.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := gw.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   pr,
	}); err != nil {
		return fmt.Errorf("uploading %s to s3://%s/%s: %w", srcDir, a.bucket, key, err)
	}

	a.logger.Info("archived reports directory", "bucket", a.bucket, "key", key, "source", srcDir)
	return nil
}
