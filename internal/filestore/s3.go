package filestore

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/walsplit/splitlog/pkg/errors"
)

// S3Config configures an S3LogStore.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// S3LogStore implements LogStore over an S3-compatible object store, for
// clusters whose WAL directories live on object storage rather than local
// disk. It adapts the teacher's S3 backend (internal/storage/s3.Backend)
// into the narrower LogStore shape: log "directories" are key prefixes, log
// "files" are objects, and recovered-edits output is written as objects
// under the destination region prefix.
type S3LogStore struct {
	client *s3.Client
	bucket string
}

// NewS3LogStore builds an S3LogStore from the AWS SDK v2 config/credentials
// chain, matching how the teacher's s3.Backend is constructed.
func NewS3LogStore(ctx context.Context, cfg S3Config) (*S3LogStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "filestore: s3 bucket is required").
			WithComponent("filestore")
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeConnectionFailed, "filestore: failed to load AWS config").
			WithComponent("filestore").
			WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3LogStore{client: client, bucket: cfg.Bucket}, nil
}

// ListLogFiles implements LogStore: dir is treated as a key prefix, and
// each non-"directory" object directly under it is one log file.
func (s *S3LogStore) ListLogFiles(ctx context.Context, dir string) ([]FileInfo, error) {
	prefix := normalizePrefix(dir)

	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, s.translate("listLogFiles", dir, err)
	}

	files := make([]FileInfo, 0, len(out.Contents))
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if key == prefix {
			continue
		}
		files = append(files, FileInfo{Path: key, Size: aws.ToInt64(obj.Size)})
	}
	return files, nil
}

// OpenLog implements LogStore.
func (s *S3LogStore) OpenLog(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, s.translate("openLog", path, err)
	}
	return out.Body, nil
}

// CreateRecoveredEdits implements LogStore. S3 has no append semantics, so
// the returned writer buffers in memory and uploads on Close.
func (s *S3LogStore) CreateRecoveredEdits(ctx context.Context, regionDir, name string) (io.WriteCloser, error) {
	key := normalizePrefix(regionDir) + name
	return &s3Writer{ctx: ctx, client: s.client, bucket: s.bucket, key: key}, nil
}

// RemoveDir implements LogStore: deletes every object under the prefix.
// Best-effort per spec.md §9 — callers log failures, never treat them as
// fatal to an otherwise-successful batch.
func (s *S3LogStore) RemoveDir(ctx context.Context, dir string) error {
	prefix := normalizePrefix(dir)
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return s.translate("removeDir", dir, err)
	}

	if len(out.Contents) == 0 {
		return nil
	}

	objects := make([]s3types.ObjectIdentifier, 0, len(out.Contents))
	for _, obj := range out.Contents {
		objects = append(objects, s3types.ObjectIdentifier{Key: obj.Key})
	}

	_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &s3types.Delete{Objects: objects},
	})
	if err != nil {
		return s.translate("removeDir", dir, err)
	}
	return nil
}

func (s *S3LogStore) translate(op, key string, err error) error {
	return errors.NewError(errors.ErrCodeAccessDenied, "s3 operation failed").
		WithComponent("filestore").
		WithOperation(op).
		WithContext("key", key).
		WithCause(err)
}

func normalizePrefix(dir string) string {
	dir = strings.TrimPrefix(dir, "/")
	if dir == "" {
		return ""
	}
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return dir
}

// s3Writer buffers recovered-edits bytes and uploads them as a single
// object on Close, since S3 objects are immutable once written.
type s3Writer struct {
	ctx    context.Context
	client *s3.Client
	bucket string
	key    string
	buf    bytes.Buffer
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *s3Writer) Close() error {
	_, err := w.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(w.key),
		Body:   bytes.NewReader(w.buf.Bytes()),
	})
	if err != nil {
		return errors.NewError(errors.ErrCodeAccessDenied, "failed to upload recovered-edits object").
			WithComponent("filestore").
			WithContext("key", w.key).
			WithCause(err)
	}
	return nil
}

var _ LogStore = (*S3LogStore)(nil)
