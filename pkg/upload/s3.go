package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/energyoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// DefaultPrefix is used when no prefix is configured.
const DefaultPrefix = "energyoor/sessions"

// MarkerFile is the session metadata file. It is uploaded after every other
// file of a session.
const MarkerFile = "session.json"

const writeTestKey = ".energyoor-write-test"

// s3Uploader implements Uploader for S3-compatible storage.
type s3Uploader struct {
	log    logrus.FieldLogger
	cfg    *config.S3UploadConfig
	client *s3.Client
}

// Ensure interface compliance.
var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates a new S3 uploader from the given configuration.
func NewS3Uploader(
	log logrus.FieldLogger,
	cfg *config.S3UploadConfig,
) (Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	return &s3Uploader{
		log:    log.WithField("component", "s3-uploader"),
		cfg:    cfg,
		client: newS3Client(cfg),
	}, nil
}

func newS3Client(cfg *config.S3UploadConfig) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		if cfg.Region != "" {
			o.Region = cfg.Region
		} else {
			o.Region = "us-east-1"
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}

// Preflight verifies S3 connectivity by writing a small test object.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("energyoor write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(writeTestKey),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", u.cfg.Bucket, err)
	}

	return nil
}

// Upload sends every file below localDir to <prefix>/<remotePath>. The
// MarkerFile at the top of localDir goes last, so a reader that finds it
// can rely on the rest of the session being present.
func (u *s3Uploader) Upload(ctx context.Context, localDir, remotePath string) error {
	prefix := u.resolvePrefix(remotePath)

	files, err := sessionFiles(localDir)
	if err != nil {
		return fmt.Errorf("walking directory %s: %w", localDir, err)
	}

	for _, rel := range files {
		key := prefix + "/" + rel

		if err := u.uploadFile(ctx, filepath.Join(localDir, filepath.FromSlash(rel)), key); err != nil {
			return fmt.Errorf("uploading %s: %w", rel, err)
		}
	}

	u.log.WithFields(logrus.Fields{
		"files":  len(files),
		"bucket": u.cfg.Bucket,
		"prefix": prefix,
	}).Info("Upload completed")

	return nil
}

// sessionFiles lists the regular files below dir as slash-separated
// relative paths, sorted, with MarkerFile moved to the end.
func sessionFiles(dir string) ([]string, error) {
	var (
		files     []string
		hasMarker bool
	)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		rel = filepath.ToSlash(rel)
		if rel == MarkerFile {
			hasMarker = true

			return nil
		}

		files = append(files, rel)

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)

	if hasMarker {
		files = append(files, MarkerFile)
	}

	return files, nil
}

// Exists reports whether key, relative to the configured prefix, exists.
func (u *s3Uploader) Exists(ctx context.Context, key string) (bool, error) {
	fullKey := u.resolvePrefix(key)

	_, err := u.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}

		return false, fmt.Errorf("checking object %q: %w", fullKey, err)
	}

	return true, nil
}

// uploadFile uploads a single file to S3.
func (u *s3Uploader) uploadFile(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(detectContentType(localPath)),
	}

	if u.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(u.cfg.StorageClass)
	}

	if u.cfg.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(u.cfg.ACL)
	}

	u.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": u.cfg.Bucket,
	}).Debug("Uploading file")

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}

	return nil
}

// resolvePrefix joins the configured prefix and a relative remote path.
func (u *s3Uploader) resolvePrefix(remotePath string) string {
	prefix := u.cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	remotePath = strings.Trim(filepath.ToSlash(remotePath), "/")
	if remotePath == "" {
		return strings.TrimRight(prefix, "/")
	}

	return strings.TrimRight(prefix, "/") + "/" + remotePath
}

// sessionContentTypes covers the artifacts a session writes. mime's table
// depends on the host for some of these.
var sessionContentTypes = map[string]string{
	".csv":  "text/csv; charset=utf-8",
	".txt":  "text/plain; charset=utf-8",
	".yaml": "application/yaml",
	".json": "application/json",
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return "application/octet-stream"
	}

	if ct, ok := sessionContentTypes[ext]; ok {
		return ct
	}

	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}

	return "application/octet-stream"
}

// isS3NotFound returns true if the error indicates the object does not exist.
func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	// Some S3-compatible implementations return a generic error rather
	// than the typed one.
	msg := err.Error()

	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "StatusCode: 404")
}
