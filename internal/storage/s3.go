package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/coah80/hoist/internal/config"
)

// S3Client implements Client on top of S3 multipart uploads. S3 tracks
// parts by ETag rather than by content digest, so the per-session ETags
// are kept here; the digest list handed to Finalize only fixes the
// expected part count.
type S3Client struct {
	client *s3.Client
	bucket string
	region string

	mu       sync.Mutex
	sessions map[string]*s3Session
}

type s3Session struct {
	bucket   string
	key      string
	uploadID string

	mu    sync.Mutex
	etags map[int]string
	sizes map[int]int64
}

func NewS3(ctx context.Context) (*S3Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.S3Region),
	}
	if config.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.S3AccessKeyID, config.S3SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if config.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(config.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Client{
		client:   client,
		bucket:   config.S3Bucket,
		region:   config.S3Region,
		sessions: make(map[string]*s3Session),
	}, nil
}

func (c *S3Client) OpenSession(ctx context.Context, bucketID, fileName, contentType string) (string, error) {
	bucket := c.bucket
	if bucketID != "" {
		bucket = bucketID
	}
	out, err := c.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(fileName),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", err)
	}

	sessionID := aws.ToString(out.UploadId)
	c.mu.Lock()
	c.sessions[sessionID] = &s3Session{
		bucket:   bucket,
		key:      fileName,
		uploadID: sessionID,
		etags:    make(map[int]string),
		sizes:    make(map[int]int64),
	}
	c.mu.Unlock()
	return sessionID, nil
}

func (c *S3Client) lookup(sessionID string) (*s3Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown multipart session %q", sessionID)
	}
	return sess, nil
}

// PartTarget is a no-op for S3; parts go straight to the bucket.
func (c *S3Client) PartTarget(ctx context.Context, sessionID string) (*UploadTarget, error) {
	if _, err := c.lookup(sessionID); err != nil {
		return nil, err
	}
	return &UploadTarget{SessionID: sessionID}, nil
}

func (c *S3Client) UploadPart(ctx context.Context, target *UploadTarget, partNumber int, sha1Hex string, body []byte) error {
	sess, err := c.lookup(target.SessionID)
	if err != nil {
		return err
	}

	out, err := c.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(sess.bucket),
		Key:           aws.String(sess.key),
		UploadId:      aws.String(sess.uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return fmt.Errorf("upload part %d: %w", partNumber, err)
	}

	sess.mu.Lock()
	sess.etags[partNumber] = aws.ToString(out.ETag)
	sess.sizes[partNumber] = int64(len(body))
	sess.mu.Unlock()
	return nil
}

func (c *S3Client) Finalize(ctx context.Context, sessionID string, sha1Hexes []string) (*Object, error) {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	if len(sess.etags) != len(sha1Hexes) {
		sess.mu.Unlock()
		return nil, fmt.Errorf("finalize: have %d parts, expected %d", len(sess.etags), len(sha1Hexes))
	}
	parts := make([]types.CompletedPart, 0, len(sess.etags))
	var size int64
	for n, etag := range sess.etags {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(int32(n)),
		})
		size += sess.sizes[n]
	}
	sess.mu.Unlock()

	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})

	_, err = c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(sess.bucket),
		Key:      aws.String(sess.key),
		UploadId: aws.String(sess.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: parts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("complete multipart upload: %w", err)
	}

	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	return &Object{Name: sess.key, Size: size}, nil
}

func (c *S3Client) CancelSession(ctx context.Context, sessionID string) error {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	_, err = c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(sess.bucket),
		Key:      aws.String(sess.key),
		UploadId: aws.String(sess.uploadID),
	})
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

func (c *S3Client) Put(ctx context.Context, name, contentType string, body []byte) (*Object, error) {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(name),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}
	return &Object{Name: name, Size: int64(len(body))}, nil
}

func (c *S3Client) ObjectURL(name string) string {
	if config.PublicBaseURL != "" {
		return strings.TrimSuffix(config.PublicBaseURL, "/") + "/" + url.PathEscape(name)
	}
	if config.S3Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(config.S3Endpoint, "/"), c.bucket, url.PathEscape(name))
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", c.bucket, c.region, url.PathEscape(name))
}
