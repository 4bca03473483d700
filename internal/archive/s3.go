// internal/archive/s3.go
// Package archive provides S3-compatible storage for registered DOI metadata.
// Every metadata document sent to the registry is archived verbatim, so the
// exact registration payload can be audited long after the fact.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver stores DOI metadata documents. Archival is best effort: the mint
// pipeline logs failures but never fails a mint over them.
type Archiver interface {
	// StoreMetadata archives the metadata document registered for a DOI.
	StoreMetadata(ctx context.Context, doi string, document []byte) error
}

// Noop is the archiver used when no object storage is configured.
type Noop struct{}

// StoreMetadata implements Archiver. It does nothing and always returns nil.
func (Noop) StoreMetadata(ctx context.Context, doi string, document []byte) error { return nil }

// S3Client wraps the AWS S3 client for metadata archival.
type S3Client struct {
	client *s3.Client // AWS S3 client
	bucket string     // S3 bucket name for archived metadata
}

// NewS3Client creates a new S3 client for metadata archival.
// It supports both AWS S3 and S3-compatible services like MinIO.
// Parameters:
//   - endpoint: S3 service endpoint URL
//   - region: AWS region (or equivalent for S3-compatible services)
//   - bucket: S3 bucket name for archived metadata
//   - accessKey: Access key for authentication
//   - secretKey: Secret key for authentication
// Returns:
//   - *S3Client: Initialized S3 client
//   - error: Any error that occurred during initialization
func NewS3Client(endpoint, region, bucket, accessKey, secretKey string) (*S3Client, error) {
	// Load AWS configuration with custom endpoint and credentials
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		// Configure static credentials
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Create S3 client with path-style addressing for compatibility
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
	})

	return &S3Client{
		client: client,
		bucket: bucket,
	}, nil
}

// StoreMetadata archives the metadata document registered for a DOI. The
// object key is derived from the DOI itself, so re-registration attempts for
// the same DOI overwrite rather than accumulate.
func (s *S3Client) StoreMetadata(ctx context.Context, doi string, document []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),      // Target S3 bucket
		Key:         aws.String(objectKey(doi)), // Object key in the bucket
		Body:        bytes.NewReader(document),
		ContentType: aws.String("application/xml"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive metadata for %s: %w", doi, err)
	}
	return nil
}

// objectKey maps a DOI to its archive key, e.g. "metadata/10.1234/qd.abc123.xml".
func objectKey(doi string) string {
	return "metadata/" + strings.TrimPrefix(doi, "/") + ".xml"
}
