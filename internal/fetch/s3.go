package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/spf13/afero"
)

// S3 fetches resources from keys under a bucket prefix
type S3 struct {
	svc    s3iface.S3API
	bucket string
	prefix string
	fs     afero.Fs
	logger *slog.Logger
}

// NewS3 creates an S3 fetcher. Keys are prefix + resource.
func NewS3(sess *session.Session, bucket, prefix string, opts Options) *S3 {
	return newS3(s3.New(sess), bucket, prefix, opts)
}

func newS3(svc s3iface.S3API, bucket, prefix string, opts Options) *S3 {
	opts.applyDefaults()
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3{
		svc:    svc,
		bucket: bucket,
		prefix: prefix,
		fs:     opts.FS,
		logger: opts.Logger,
	}
}

// FetchText implements Fetcher
func (s *S3) FetchText(ctx context.Context, resource string) (string, error) {
	body, err := s.open(ctx, resource)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = body.Close()
	}()

	text, err := readText(body)
	if err != nil {
		return "", &Error{Resource: resource, Err: err}
	}
	return text, nil
}

// FetchFile implements Fetcher
func (s *S3) FetchFile(ctx context.Context, resource, dest string) error {
	body, err := s.open(ctx, resource)
	if err != nil {
		return err
	}
	defer func() {
		_ = body.Close()
	}()

	if err := writeFile(s.fs, dest, body); err != nil {
		return &Error{Resource: resource, Err: err}
	}
	return nil
}

func (s *S3) open(ctx context.Context, resource string) (io.ReadCloser, error) {
	key := s.prefix + resource
	s.logger.Debug("fetching", "bucket", s.bucket, "key", key)

	out, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &Error{Resource: resource, Err: classifyS3Error(err)}
	}
	return out.Body, nil
}

func classifyS3Error(err error) error {
	var rf awserr.RequestFailure
	if errors.As(err, &rf) && rf.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}
