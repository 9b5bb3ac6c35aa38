// Package objectmirror is an optional decorator backend: it wraps any
// backend.Backend (normally the Encrypted Store) and additionally mirrors
// every write to an S3 bucket, keyed by the backend-relative virtual path
// it was called with (the object body is the already-encrypted bytes the
// wrapped backend just wrote; the key itself is not encrypted). It exists
// purely as an off-site copy of already-encrypted bytes — the mirror
// never sees plaintext bytes and is not consulted for reads, and a failed
// mirror call never makes a local operation fail.
package objectmirror

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/stefanwerfling/njsfscrypt/internal/backend"
)

// Credentials mirrors the resolution order the teacher's credentials
// package used: explicit values, then a passwd file, then the
// environment.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// IsValid reports whether both halves of a key pair are present.
func (c Credentials) IsValid() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// LoadFromPasswdFile parses a path-style ACCESS_KEY:SECRET_KEY file.
func LoadFromPasswdFile(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("objectmirror: read passwd file: %w", err)
	}
	parts := strings.SplitN(strings.TrimSpace(string(data)), ":", 2)
	if len(parts) != 2 {
		return Credentials{}, fmt.Errorf("objectmirror: passwd file must be ACCESS_KEY:SECRET_KEY")
	}
	return Credentials{AccessKeyID: strings.TrimSpace(parts[0]), SecretAccessKey: strings.TrimSpace(parts[1])}, nil
}

// LoadFromEnvironment reads the standard AWS_* environment variables.
func LoadFromEnvironment() (Credentials, error) {
	c := Credentials{
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
	}
	if !c.IsValid() {
		return Credentials{}, fmt.Errorf("objectmirror: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
	}
	return c, nil
}

// Backend decorates an underlying backend.Backend with an S3 mirror.
// Every Create/Write/Unlink/Rename that succeeds against the underlying
// backend is also applied to the bucket, synchronously, before the method
// returns; mirror failures are logged and never returned to the caller or
// used to roll back the local operation, since the mirror is a best-effort
// copy, not a second source of truth.
type Backend struct {
	backend.Backend
	bucket string
	client *s3.Client
	prefix string
}

// New wraps local with an S3 mirror targeting bucket, optionally under
// keyPrefix, using static creds (region and, for S3-compatible services
// such as LocalStack or MinIO, a custom endpoint).
func New(local backend.Backend, bucket, region, endpoint, keyPrefix string, creds Credentials) (*Backend, error) {
	if !creds.IsValid() {
		return nil, fmt.Errorf("objectmirror: credentials are required")
	}
	cfgOptions := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
		)),
	}
	cfg, err := config.LoadDefaultConfig(context.Background(), cfgOptions...)
	if err != nil {
		return nil, fmt.Errorf("objectmirror: load aws config: %w", err)
	}
	var s3Options []func(*s3.Options)
	if endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return &Backend{
		Backend: local,
		bucket:  bucket,
		client:  s3.NewFromConfig(cfg, s3Options...),
		prefix:  strings.Trim(keyPrefix, "/"),
	}, nil
}

func (b *Backend) objectKey(path string) string {
	key := strings.TrimPrefix(path, "/")
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

// Create creates locally, then mirrors an empty object so the key exists
// even before the first write.
func (b *Backend) Create(path string, mode os.FileMode) (backend.Handle, error) {
	h, err := b.Backend.Create(path, mode)
	if err != nil {
		return nil, err
	}
	if perr := b.putObject(path, nil); perr != nil {
		log.Print(perr)
	}
	return h, nil
}

// Write writes locally, then re-mirrors the file's full ciphertext body.
// The mirror always uploads the whole object rather than a byte range:
// partial-object PutObject isn't meaningfully cheaper over S3's API than
// a full overwrite, and it keeps the mirror's object always consistent
// with a complete local file rather than a partially-applied one.
func (b *Backend) Write(h backend.Handle, path string, buf []byte, off int64) (int, error) {
	n, err := b.Backend.Write(h, path, buf, off)
	if err != nil {
		return n, err
	}
	if full, rerr := b.readWholeFile(h, path); rerr == nil {
		if perr := b.putObject(path, full); perr != nil {
			log.Print(perr)
		}
	}
	return n, nil
}

// readWholeFile re-reads the file this handle points at in one shot, for
// mirroring purposes only; the dispatcher's own Read path never goes
// through here.
func (b *Backend) readWholeFile(h backend.Handle, path string) ([]byte, error) {
	attr, err := b.Backend.Getattr(path)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, attr.Size)
	n, err := b.Backend.Read(h, path, buf, 0)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (b *Backend) putObject(path string, data []byte) error {
	_, err := b.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(path)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("objectmirror: put %s: %w", path, err)
	}
	return nil
}

// Unlink removes locally, then mirrors the deletion.
func (b *Backend) Unlink(path string) error {
	if err := b.Backend.Unlink(path); err != nil {
		return err
	}
	_, err := b.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(path)),
	})
	if err != nil {
		log.Printf("objectmirror: delete %s: %v", path, err)
	}
	return nil
}

// Rename renames locally, then mirrors via copy+delete (S3 has no native
// rename).
func (b *Backend) Rename(oldPath, newPath string) error {
	if err := b.Backend.Rename(oldPath, newPath); err != nil {
		return err
	}
	ctx := context.Background()
	copySource := fmt.Sprintf("%s/%s", b.bucket, b.objectKey(oldPath))
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(b.objectKey(newPath)),
		CopySource: aws.String(copySource),
	})
	if err != nil {
		log.Printf("objectmirror: copy %s to %s: %v", oldPath, newPath, err)
		return nil
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(oldPath)),
	})
	if err != nil {
		log.Printf("objectmirror: delete stale mirror key %s: %v", oldPath, err)
	}
	return nil
}

var _ backend.Backend = (*Backend)(nil)
