// Package storage は会場写真のオブジェクトストレージ操作を提供する。
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore は写真バケットへの書き込みと署名付きURL発行のインターフェース。
type ObjectStore interface {
	// PresignPut はクライアントが直接アップロードするための署名付きPUT URLを返す。
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	// PutObject はオブジェクトを保存する。
	PutObject(ctx context.Context, key, contentType string, data []byte) error
	// PublicURL はオブジェクトの公開URLを返す。
	PublicURL(key string) string
}

// S3Options はS3互換ストレージへの接続設定。
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	// PublicURL は公開URLのベース。空ならEndpoint/Bucketを使う。
	PublicURL string
}

// S3Store はAWS SDK v2のS3クライアントを使うObjectStore。
// MinIO等のS3互換エンドポイントを想定してパス形式でアクセスする。
type S3Store struct {
	api       *s3.Client
	presign   *s3.PresignClient
	bucket    string
	publicURL string
}

// NewS3Store はS3Storeを生成する。
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("S3 endpoint is required")
	}
	if opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, errors.New("S3 access key and secret key are required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(endpoint)
	})

	publicURL := strings.TrimRight(opts.PublicURL, "/")
	if publicURL == "" {
		publicURL = strings.TrimRight(endpoint, "/") + "/" + opts.Bucket
	}

	return &S3Store{
		api:       client,
		presign:   s3.NewPresignClient(client),
		bucket:    opts.Bucket,
		publicURL: publicURL,
	}, nil
}

// PresignPut は署名付きPUT URLを返す。Content-Typeも署名に含める。
func (s *S3Store) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(o *s3.PresignOptions) {
		o.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign put %s: %w", key, err)
	}
	return req.URL, nil
}

// PutObject はオブジェクトを保存する。
func (s *S3Store) PutObject(ctx context.Context, key, contentType string, data []byte) error {
	size := int64(len(data))
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

// PublicURL はオブジェクトの公開URLを返す。
func (s *S3Store) PublicURL(key string) string {
	return s.publicURL + "/" + key
}

// compile-time interface check
var _ ObjectStore = (*S3Store)(nil)
