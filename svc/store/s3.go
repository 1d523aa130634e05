package store

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"bindrop/svc/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
)

// UploadInput describes one blob upload. Fake short-circuits the call to
// success: alternate-backend pastes keep a structural upload/delete pair
// against the primary store so create and delete stay symmetric.
type UploadInput struct {
	Key             string
	Body            []byte
	ContentType     string
	ContentEncoding string
	Title           string
	Tags            []string
	Filename        string
	Fake            bool
}

type S3 struct {
	client *s3.Client
	bucket string
}

func NewS3(ctx context.Context, bucket, endpoint string, pathStyle bool) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &S3{client: client, bucket: bucket}, nil
}

// Upload stores the blob. Failures surface to the caller; retry policy is
// the SDK transport's, not ours.
func (s *S3) Upload(ctx context.Context, in UploadInput) error {
	if in.Fake {
		return nil
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(s.bucket),
		Key:                aws.String(in.Key),
		Body:               bytes.NewReader(in.Body),
		ContentType:        aws.String(in.ContentType),
		ContentEncoding:    aws.String(in.ContentEncoding),
		ContentLength:      aws.Int64(int64(len(in.Body))),
		ContentDisposition: aws.String(contentDisposition(in.Filename)),
		Metadata: map[string]string{
			"title": in.Title,
			"tags":  strings.Join(in.Tags, " "),
		},
	})
	if err != nil {
		util.Error().Err(err).Str("key", in.Key).Msg("s3 upload failed")
		return errors.Wrap(err, "s3 upload")
	}
	return nil
}

func (s *S3) Delete(ctx context.Context, key string, fake bool) error {
	if fake {
		return nil
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		util.Error().Err(err).Str("key", key).Msg("s3 delete failed")
		return errors.Wrap(err, "s3 delete")
	}
	return nil
}

// contentDisposition forces a download with both the plain and the
// RFC 5987 percent-escaped filename forms.
func contentDisposition(filename string) string {
	return fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s",
		filename, url.PathEscape(filename))
}
