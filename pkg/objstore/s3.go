package objstore

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store publishes to an S3 bucket.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	loc      Location
}

// NewS3Store creates an S3 store using default AWS configuration.
func NewS3Store(ctx context.Context, loc Location) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewS3StoreWithConfig(cfg, loc), nil
}

// NewS3StoreWithConfig creates an S3 store with a custom AWS config.
func NewS3StoreWithConfig(cfg aws.Config, loc Location) *S3Store {
	client := s3.NewFromConfig(cfg)
	return &S3Store{
		client: client,
		// Large archives go up as concurrent multipart uploads
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = 16 * 1024 * 1024
		}),
		loc: loc,
	}
}

// List returns logical keys under prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.loc.Bucket),
		Prefix: aws.String(listPrefix(s.loc.Prefix, prefix)),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects in %s: %w", s, err)
		}
		for _, obj := range page.Contents {
			if key, ok := logicalKey(s.loc.Prefix, aws.ToString(obj.Key)); ok {
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}

// Put uploads localPath to key.
func (s *S3Store) Put(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &PublishError{Store: s.String(), Key: key, Err: fmt.Errorf("open staged file: %w", err)}
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.loc.Bucket),
		Key:         aws.String(joinKey(s.loc.Prefix, key)),
		Body:        f,
		ContentType: aws.String(contentType(key)),
	})
	if err != nil {
		return &PublishError{Store: s.String(), Key: key, Err: err}
	}
	return nil
}

func (s *S3Store) String() string {
	return s.loc.String()
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *S3Store) Close() error {
	return nil
}
