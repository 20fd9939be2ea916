package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// FolderRecordings is the S3 prefix for composite recording artifacts.
const FolderRecordings = "recordings"

// S3Config holds S3 client configuration.
type S3Config struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// S3 provides durable artifact storage with streamed uploads and signed read URLs.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      S3Config
	logger   *zap.Logger
}

// NewS3 creates an S3 client using credentials from config or the default chain.
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
	} else if logger != nil {
		logger.Warn("S3 client using default credential chain")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024 // 5MB parts for streaming
	})
	return &S3{
		client:   client,
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// ArtifactKey returns the object key for a room's composite artifact:
// recordings/{room_id}/final-{unix_ms}.mp4. Timestamped because a room can
// produce several recordings over its lifetime.
func ArtifactKey(roomID string, ts time.Time) string {
	return path.Join(FolderRecordings, roomID, fmt.Sprintf("final-%d.mp4", ts.UnixMilli()))
}

// Upload streams a reader to S3 and returns the permanent object URL.
func (s *S3) Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error) {
	var contentLengthPtr *int64
	if contentLength > 0 {
		contentLengthPtr = &contentLength
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.RecordingsBucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: contentLengthPtr,
	})
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return s.ObjectURL(key), nil
}

// UploadFile streams a local file to S3 and returns its URL and size.
func (s *S3) UploadFile(ctx context.Context, localPath, key, contentType string) (url string, size int64, err error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", 0, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat artifact: %w", err)
	}
	url, err = s.Upload(ctx, key, contentType, f, info.Size())
	if err != nil {
		return "", 0, err
	}
	return url, info.Size(), nil
}

// PresignedDownloadURL returns a time-limited signed GET URL for an object.
func (s *S3) PresignedDownloadURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(s.client)
	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.RecordingsBucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}

// PresignExpire returns the configured presign duration.
func (s *S3) PresignExpire() time.Duration {
	if s.cfg.PresignExpireMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(s.cfg.PresignExpireMinutes) * time.Minute
}

// ObjectURL returns the permanent (unsigned) URL for an object.
func (s *S3) ObjectURL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.RecordingsBucket, s.cfg.Region, key)
}

// DeleteObject removes an object from the recordings bucket.
func (s *S3) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.RecordingsBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
