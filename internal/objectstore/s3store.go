package objectstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/JimEverest/fastshot/internal/errs"
)

// S3Config configures an S3Store. Endpoint/PathStyle support S3-compatible
// (non-AWS) deployments; ProxyURL and TLSVerify cover environments behind a
// corporate proxy or an internally-signed endpoint.
type S3Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	PathStyle    bool
	ProxyURL     string
	TLSVerify    bool // defaults to true by config.Load; false disables cert checks
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// S3Store implements Store against S3-compatible object storage.
type S3Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

// NewS3Store builds an S3Store from cfg, constructing one shared client,
// uploader and downloader for the lifetime of the process.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errs.New(errs.NotConfigured, "objectstore.NewS3Store", errors.New("object_store.bucket is required"))
	}

	httpClient := &http.Client{}
	transport := &http.Transport{}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, errs.New(errs.NotConfigured, "objectstore.NewS3Store", fmt.Errorf("parse proxy_url: %w", err))
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	if !cfg.TLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via config
	}
	httpClient.Transport = transport

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
		func(opts *config.LoadOptions) error {
			if cfg.Endpoint != "" {
				opts.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
					func(service, region string, options ...interface{}) (aws.Endpoint, error) {
						return aws.Endpoint{
							URL:               cfg.Endpoint,
							SigningRegion:     cfg.Region,
							HostnameImmutable: cfg.PathStyle,
						}, nil
					},
				)
			}
			if cfg.AccessKey != "" && cfg.SecretKey != "" {
				opts.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKey, cfg.SecretKey, cfg.SessionToken,
				)
			}
			return nil
		},
	)
	if err != nil {
		return nil, errs.New(errs.Fatal, "objectstore.NewS3Store", fmt.Errorf("load aws config: %w", err))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3Store{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
	}, nil
}

func (s *S3Store) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + key
}

// List returns every object under prefix, following continuation tokens
// internally. Keys returned are relative to the configured prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]Entry, error) {
	var entries []Entry
	fullPrefix := s.key(prefix)

	var continuationToken *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(fullPrefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, classify("objectstore.List", err)
		}

		for _, obj := range resp.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			key = strings.TrimPrefix(key, "/")
			if key == "" {
				continue
			}
			entries = append(entries, Entry{
				Key:  key,
				Size: aws.ToInt64(obj.Size),
				ETag: strings.Trim(aws.ToString(obj.ETag), `"`),
			})
		}

		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		continuationToken = resp.NextContinuationToken
	}

	return entries, nil
}

// Get downloads an object and returns its bytes and ETag.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return nil, "", classify("objectstore.Get", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errs.New(errs.Transient, "objectstore.Get", fmt.Errorf("read body: %w", err))
	}
	return data, strings.Trim(aws.ToString(resp.ETag), `"`), nil
}

// Put uploads body. When ifMatch is non-empty, it first Heads the key and
// compares ETag, failing with ErrPreconditionFailed on mismatch before
// uploading — S3 has no native conditional PUT across all S3-compatible
// backends, so this is a best-effort compare-then-write rather than a true
// atomic CAS; the narrow race between Head and Put is accepted because the
// only concurrent writer contending for a given manifest key is itself bound
// by the same check (see internal/cache's bounded retry loop).
func (s *S3Store) Put(ctx context.Context, key string, body []byte, ifMatch string) (string, error) {
	if ifMatch != "" {
		_, currentETag, exists, err := s.Head(ctx, key)
		if err != nil {
			return "", err
		}
		if !exists || currentETag != ifMatch {
			return "", ErrPreconditionFailed
		}
	}

	out, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return "", classify("objectstore.Put", err)
	}
	return strings.Trim(aws.ToString(out.ETag), `"`), nil
}

// Delete removes an object. Deleting a missing key is not an error (S3's own
// DeleteObject is idempotent in this way).
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return classify("objectstore.Delete", err)
	}
	return nil
}

// Head returns size/etag/existence without downloading the body.
func (s *S3Store) Head(ctx context.Context, key string) (int64, string, bool, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, "", false, nil
		}
		return 0, "", false, classify("objectstore.Head", err)
	}
	return aws.ToInt64(out.ContentLength), strings.Trim(aws.ToString(out.ETag), `"`), true, nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey"
	}
	return false
}

// classify maps an AWS SDK v2 error into the error taxonomy: not-found,
// auth-denied (403/credentials), transient (throttling, 5xx, network), or
// fatal otherwise.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return errs.New(errs.NotFound, op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return errs.New(errs.AuthDenied, op, err)
		case "SlowDown", "ServiceUnavailable", "RequestTimeout", "InternalError", "Throttling", "ThrottlingException":
			return errs.New(errs.Transient, op, err)
		}
	}

	if errs.ClassifyNetwork(err) == errs.Transient {
		return errs.New(errs.Transient, op, err)
	}
	return errs.New(errs.Fatal, op, err)
}
