package locator

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/caf/pkg/config"
)

// Compile-time interface check.
var _ Locator = (*s3Locator)(nil)

type s3Locator struct {
	log    logrus.FieldLogger
	client *s3.Client
	bucket string
	paths  []string
}

// NewS3 creates a Locator listing run files in an S3-compatible
// bucket. Each configured path is used as a key prefix.
func NewS3(log logrus.FieldLogger, cfg *config.S3Config, paths []string) Locator {
	return &s3Locator{
		log:    log.WithField("component", "locator-s3"),
		client: newS3Client(cfg),
		bucket: cfg.Bucket,
		paths:  paths,
	}
}

// Files implements Locator. Only keys exactly two levels below the run
// prefix (dataset and file) are returned. Paths keep the configured base,
// so they can be used like EOS paths.
func (l *s3Locator) Files(ctx context.Context, run uint32) ([]string, error) {
	var (
		files []string
		total int64
	)

	for _, base := range l.paths {
		prefix := strings.TrimPrefix(RunDir(base, run), "/") + "/"

		paginator := s3.NewListObjectsV2Paginator(
			l.client, &s3.ListObjectsV2Input{
				Bucket: aws.String(l.bucket),
				Prefix: aws.String(prefix),
			},
		)

		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("listing objects under %q: %w", prefix, err)
			}

			for _, obj := range page.Contents {
				if obj.Key == nil {
					continue
				}

				rel := strings.TrimPrefix(*obj.Key, prefix)
				if parts := strings.Split(rel, "/"); len(parts) != 2 ||
					parts[0] == "" || parts[1] == "" {
					continue
				}

				files = append(files, path.Join(RunDir(base, run), rel))

				if obj.Size != nil {
					total += *obj.Size
				}
			}
		}
	}

	l.log.WithFields(logrus.Fields{
		"run":   run,
		"files": len(files),
		"size":  units.HumanSize(float64(total)),
	}).Debug("Located run files")

	return files, nil
}

func newS3Client(cfg *config.S3Config) *s3.Client {
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
