package assets

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Provider reads assets from a bucket on an S3 compatible store. Objects
// are looked up under prefix, so "index.html" with prefix "html" is
// "html/index.html".
type S3Provider struct {
	bucket string
	prefix string
	client *minio.Client
}

type S3Options struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
}

func NewS3Provider(opts S3Options) (*S3Provider, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Provider{
		bucket: opts.Bucket,
		prefix: opts.Prefix,
		client: client,
	}, nil
}

func (p *S3Provider) Load(ctx context.Context, name string) ([]byte, error) {
	key := path.Join(p.prefix, name)

	o, err := p.client.GetObject(ctx, p.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get asset %s: %w", key, err)
	}
	defer o.Close()

	// GetObject is lazy, a missing key only shows up on first read
	data, err := io.ReadAll(o)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read asset %s: %w", key, err)
	}
	return data, nil
}

func (p *S3Provider) SourceName() string {
	return "s3: " + p.bucket
}
