package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/paykeeper/internal/server/config"
)

var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}
	putObject = func(c *s3.Client, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		return c.PutObject(ctx, in, optFns...)
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

// S3Archive keeps receipts in an S3-compatible bucket (MinIO in development).
type S3Archive struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

func NewS3Archive(ctx context.Context, cfg config.ArchiveConfig) (*S3Archive, error) {
	awsCfg, err := loadDefaultAWSConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3RootUser,
			cfg.S3RootPassword,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.S3BaseEndpoint)
		o.UsePathStyle = true
	})

	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	return &S3Archive{
		client:  client,
		presign: newS3PresignClient(client),
		bucket:  cfg.S3Bucket,
		ttl:     ttl,
	}, nil
}

func (a *S3Archive) Store(ctx context.Context, r Receipt) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}

	_, err = putObject(a.client, ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(ObjectKey(r.IntentID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put receipt %s: %w", r.IntentID, err)
	}
	return nil
}

// URL presigns a GET for the receipt. It does not check that the object exists.
func (a *S3Archive) URL(ctx context.Context, intentID string) (string, error) {
	req, err := presignGetObject(a.presign, ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(ObjectKey(intentID)),
	}, s3.WithPresignExpires(a.ttl))
	if err != nil {
		return "", fmt.Errorf("presign receipt %s: %w", intentID, err)
	}
	return req.URL, nil
}
