// Package presign turns S3 object URLs into time-limited presigned HTTPS URLs.
package presign

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotS3URL is returned for URLs that do not address an S3 object.
var ErrNotS3URL = errors.New("not a valid S3 URL")

// Object identifies an S3 object.
type Object struct {
	Bucket string
	Key    string
}

// IsS3URL reports whether raw addresses an S3 object.
func IsS3URL(raw string) bool {
	_, err := ParseS3URL(raw)
	return err == nil
}

// ParseS3URL extracts bucket and key from an s3:// URL or an
// amazonaws.com URL in virtual-hosted or path style.
func ParseS3URL(raw string) (Object, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Object{}, fmt.Errorf("%w: %q: %v", ErrNotS3URL, raw, err)
	}

	var obj Object
	switch u.Scheme {
	case "s3":
		obj = Object{Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}
	case "http", "https":
		host := strings.ToLower(u.Hostname())
		if !strings.HasSuffix(host, ".amazonaws.com") {
			return Object{}, fmt.Errorf("%w: %q", ErrNotS3URL, raw)
		}
		path := strings.TrimPrefix(u.Path, "/")
		if i := strings.Index(host, ".s3"); i > 0 {
			// bucket.s3.amazonaws.com, bucket.s3.region.amazonaws.com, bucket.s3-region.amazonaws.com
			obj = Object{Bucket: host[:i], Key: path}
		} else if strings.HasPrefix(host, "s3.") || strings.HasPrefix(host, "s3-") {
			bucket, key, _ := strings.Cut(path, "/")
			obj = Object{Bucket: bucket, Key: key}
		} else {
			return Object{}, fmt.Errorf("%w: %q", ErrNotS3URL, raw)
		}
	default:
		return Object{}, fmt.Errorf("%w: %q", ErrNotS3URL, raw)
	}

	if obj.Bucket == "" || obj.Key == "" {
		return Object{}, fmt.Errorf("%w: %q: bucket and key are required", ErrNotS3URL, raw)
	}
	return obj, nil
}

// Presigner signs S3 URLs.
type Presigner interface {
	Presign(ctx context.Context, rawURL string) (string, error)
}

// Options configures an S3Presigner.
type Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Expiry    time.Duration
}

// S3Presigner presigns GET requests with minio-go. With a region configured,
// signing needs no network access.
type S3Presigner struct {
	client *minio.Client
	expiry time.Duration
}

// NewS3Presigner creates a presigner for the given endpoint and credentials.
func NewS3Presigner(opts Options) (*S3Presigner, error) {
	if opts.Expiry <= 0 {
		opts.Expiry = time.Hour
	}
	if opts.Expiry > 7*24*time.Hour {
		return nil, fmt.Errorf("presign expiry %s exceeds 7 days", opts.Expiry)
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Presigner{client: client, expiry: opts.Expiry}, nil
}

// Presign returns a presigned GET URL for rawURL.
func (p *S3Presigner) Presign(ctx context.Context, rawURL string) (string, error) {
	obj, err := ParseS3URL(rawURL)
	if err != nil {
		return "", err
	}
	u, err := p.client.PresignedGetObject(ctx, obj.Bucket, obj.Key, p.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", obj.Bucket, obj.Key, err)
	}
	return u.String(), nil
}
