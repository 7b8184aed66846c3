// Package avatar turns stored avatar object keys into short-lived URLs.
package avatar

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"ginger/server/internal/vibe"
)

// Options configure the presigner. Endpoint selects an S3 compatible
// service (R2, MinIO); empty means AWS. Static keys are optional; the
// default credential chain is used without them.
type Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	TTL             time.Duration
}

// Presigner resolves avatar references to presigned GET URLs.
type Presigner struct {
	client *s3.PresignClient
	bucket string
	ttl    time.Duration
}

var _ vibe.AvatarResolver = (*Presigner)(nil)

// New loads the AWS configuration and builds a presigner.
func New(ctx context.Context, opts Options) (*Presigner, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("avatar bucket is required")
	}

	loaders := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("failed to load avatar storage config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Presigner{
		client: s3.NewPresignClient(client),
		bucket: opts.Bucket,
		ttl:    opts.TTL,
	}, nil
}

// AvatarURL presigns ref. Absolute URLs, such as avatars imported from an
// identity provider, are returned unchanged.
func (p *Presigner) AvatarURL(ctx context.Context, ref string) (string, error) {
	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
		return ref, nil
	}
	key := strings.TrimPrefix(ref, "/")
	if key == "" {
		return "", fmt.Errorf("empty avatar reference")
	}

	req, err := p.client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign avatar: %w", err)
	}
	return req.URL, nil
}
