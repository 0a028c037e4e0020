package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"grepr/internal/domain"
)

var _ domain.ArtifactStore = (*S3Store)(nil)

// S3Config configures an S3-compatible artifact store. Endpoint is the bare
// host; path-style addressing is used so Hetzner-style providers work.
type S3Config struct {
	KeyID    string
	Secret   string
	Endpoint string
	Region   string
	Bucket   string
	Prefix   string
}

// S3Store keeps result artifacts on S3-compatible object storage. Writers
// spool to a local temp file and upload on Commit, so a partially streamed
// result never becomes visible remotely.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates an S3 artifact store with static credentials.
func NewS3Store(cfg S3Config) *S3Store {
	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.KeyID, cfg.Secret, "",
		),
		BaseEndpoint: aws.String(fmt.Sprintf("https://%s", cfg.Endpoint)),
		UsePathStyle: true,
	})
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}
}

// Create spools a fresh artifact to a temp file; the object key is derived
// deterministically from the query id.
func (s *S3Store) Create(ctx context.Context, id string) (domain.ArtifactWriter, error) {
	tmp, err := os.CreateTemp("", "grepr-artifact-*")
	if err != nil {
		return nil, fmt.Errorf("create artifact spool: %w", err)
	}
	return &s3Writer{
		store: s,
		ctx:   ctx,
		tmp:   tmp,
		key:   path.Join(s.prefix, id+".ndjson"),
	}, nil
}

// Open streams a committed artifact from object storage.
func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get artifact %q: %w", key, err)
	}
	return out.Body, nil
}

// Remove deletes an artifact object.
func (s *S3Store) Remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete artifact %q: %w", key, err)
	}
	return nil
}

type s3Writer struct {
	store *S3Store
	ctx   context.Context
	tmp   *os.File
	key   string
	done  bool
}

func (w *s3Writer) Write(p []byte) (int, error) { return w.tmp.Write(p) }

func (w *s3Writer) Path() string { return w.key }

// Commit uploads the spooled artifact and discards the temp file.
func (w *s3Writer) Commit() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.cleanup()

	if _, err := w.tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind artifact spool: %w", err)
	}
	_, err := w.store.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.store.bucket),
		Key:         aws.String(w.key),
		Body:        w.tmp,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("upload artifact %q: %w", w.key, err)
	}
	return nil
}

// Abort discards the spool without uploading anything.
func (w *s3Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.cleanup()
	return nil
}

func (w *s3Writer) cleanup() {
	name := w.tmp.Name()
	_ = w.tmp.Close()
	_ = os.Remove(name)
}
