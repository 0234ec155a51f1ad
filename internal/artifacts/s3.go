package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/modelops/pkg/constants"
	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/models"
)

// S3Config holds configuration for the S3 artifact backend
type S3Config struct {
	Region          string `json:"region" mapstructure:"region"`
	Bucket          string `json:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `json:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" mapstructure:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty" mapstructure:"session_token"`
	Endpoint        string `json:"endpoint,omitempty" mapstructure:"endpoint"`
	ForcePathStyle  bool   `json:"force_path_style" mapstructure:"force_path_style"`
	DisableSSL      bool   `json:"disable_ssl" mapstructure:"disable_ssl"`
	Prefix          string `json:"prefix" mapstructure:"prefix"`
	MaxRetries      int    `json:"max_retries" mapstructure:"max_retries"`
	PartSize        int64  `json:"part_size" mapstructure:"part_size"`
	StorageClass    string `json:"storage_class" mapstructure:"storage_class"`
	// VerifyAfterWrite re-downloads each artifact to confirm its hash
	VerifyAfterWrite bool `json:"verify_after_write" mapstructure:"verify_after_write"`
}

// S3Store keeps artifacts in an S3 bucket using the same layout as LocalStore
type S3Store struct {
	config   *S3Config
	s3Client s3iface.S3API
	uploader s3manageriface.UploaderAPI
	logger   *logrus.Logger
	locks    *versionLocks
	mu       sync.RWMutex
	now      func() time.Time
}

// NewS3Store validates config; call Connect before use
func NewS3Store(config *S3Config, logger *logrus.Logger) (*S3Store, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "S3 config cannot be nil")
	}

	if config.Bucket == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "S3 bucket is required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	return &S3Store{
		config: config,
		logger: logger,
		locks:  newVersionLocks(),
		now:    time.Now,
	}, nil
}

// Connect creates the AWS session and verifies bucket access
func (s *S3Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.s3Client != nil {
		return nil
	}

	awsConfig := &aws.Config{
		Region:     aws.String(s.config.Region),
		MaxRetries: aws.Int(s.config.MaxRetries),
	}

	if s.config.AccessKeyID != "" && s.config.SecretAccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			s.config.AccessKeyID,
			s.config.SecretAccessKey,
			s.config.SessionToken,
		)
	}

	// S3-compatible services (MinIO, localstack)
	if s.config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(s.config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(s.config.ForcePathStyle)
	}

	if s.config.DisableSSL {
		awsConfig.DisableSSL = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "SESSION_FAILED", "Failed to create AWS session")
	}

	client := s3.New(sess)
	uploader := s3manager.NewUploader(sess)
	if s.config.PartSize > 0 {
		uploader.PartSize = s.config.PartSize
	}

	_, err = client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	})
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "BUCKET_ACCESS_FAILED",
			fmt.Sprintf("Failed to access bucket '%s'", s.config.Bucket))
	}

	s.s3Client = client
	s.uploader = uploader

	s.logger.WithFields(logrus.Fields{
		"region": s.config.Region,
		"bucket": s.config.Bucket,
	}).Info("Connected to S3 artifact store")

	return nil
}

// Backend names the implementation
func (s *S3Store) Backend() string {
	return constants.ArtifactBackendS3
}

func (s *S3Store) client() (s3iface.S3API, s3manageriface.UploaderAPI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.s3Client == nil {
		return nil, nil, errors.NewStorageError("NOT_CONNECTED", "S3 not connected")
	}
	return s.s3Client, s.uploader, nil
}

func (s *S3Store) prefix() string {
	p := strings.Trim(s.config.Prefix, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func (s *S3Store) versionPrefix(versionID string) string {
	return s.prefix() + path.Join(constants.ModelsDir, versionID) + "/"
}

func (s *S3Store) artifactKey(versionID string) string {
	return s.versionPrefix(versionID) + constants.ArtifactFileName
}

func (s *S3Store) metadataKey(versionID string) string {
	return s.versionPrefix(versionID) + constants.ArtifactMetadataFileName
}

// versionFromKey extracts the version id from models/<id>/<file>
func (s *S3Store) versionFromKey(key string) string {
	rest := strings.TrimPrefix(key, s.prefix()+constants.ModelsDir+"/")
	if rest == key {
		return ""
	}
	if i := strings.Index(rest, "/"); i > 0 {
		return rest[:i]
	}
	return ""
}

// Store uploads the artifact once for versionID
func (s *S3Store) Store(ctx context.Context, versionID string, artifact io.Reader, metadata map[string]interface{}) (*models.ArtifactInfo, error) {
	if err := validateVersionID(versionID); err != nil {
		return nil, err
	}
	client, uploader, err := s.client()
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(versionID)
	defer unlock()

	key := s.artifactKey(versionID)
	exists, err := s.objectExists(ctx, client, key)
	if err != nil {
		return nil, errors.NewStorageIOError(s.Backend(), "store", versionID, err)
	}
	if exists {
		return nil, errors.NewValidationError(errors.CodeArtifactExists,
			fmt.Sprintf("artifact for version %s already stored", versionID)).WithCause(errors.ErrArtifactExists)
	}

	// Hash while streaming; the uploader consumes the reader exactly once.
	pr, pw := io.Pipe()
	type hashResult struct {
		sum string
		n   int64
		err error
	}
	hashCh := make(chan hashResult, 1)
	tee := io.TeeReader(&ctxReader{ctx: ctx, r: artifact}, pw)
	go func() {
		sum, n, err := HashReader(ctx, pr)
		_, _ = io.Copy(io.Discard, pr)
		hashCh <- hashResult{sum, n, err}
	}()

	input := &s3manager.UploadInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        &closeOnEOF{r: tee, w: pw},
		ContentType: aws.String(constants.ContentTypeOctetStream),
		Metadata: map[string]*string{
			"version-id": aws.String(versionID),
		},
	}
	if s.config.StorageClass != "" {
		input.StorageClass = aws.String(s.config.StorageClass)
	}

	_, uploadErr := uploader.UploadWithContext(ctx, input)
	pw.CloseWithError(uploadErr)
	hr := <-hashCh
	if uploadErr != nil {
		return nil, errors.NewStorageIOError(s.Backend(), "store", versionID, uploadErr)
	}
	if hr.err != nil {
		return nil, errors.NewStorageIOError(s.Backend(), "store", versionID, hr.err)
	}

	if s.config.VerifyAfterWrite {
		remote, err := s.Hash(ctx, versionID)
		if err != nil {
			return nil, err
		}
		if remote != hr.sum {
			return nil, errors.NewIntegrityError(versionID, hr.sum, remote)
		}
	}

	sidecar := make(map[string]interface{}, len(metadata)+4)
	for k, v := range metadata {
		sidecar[k] = v
	}
	sidecar["version_id"] = versionID
	sidecar[sidecarHashKey] = hr.sum
	sidecar["artifact_size_bytes"] = hr.n
	sidecar["stored_at"] = s.now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidInput, "artifact metadata is not serializable")
	}
	_, err = uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(s.metadataKey(versionID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(constants.ContentTypeJSON),
	})
	if err != nil {
		return nil, errors.NewStorageIOError(s.Backend(), "store", versionID, err)
	}

	info := &models.ArtifactInfo{
		Path:   fmt.Sprintf("s3://%s/%s", s.config.Bucket, key),
		Hash:   hr.sum,
		SizeMB: bytesToMB(hr.n),
	}

	s.logger.WithFields(logrus.Fields{
		"version_id": versionID,
		"bucket":     s.config.Bucket,
		"key":        key,
		"hash":       info.Hash,
	}).Info("Stored model artifact in S3")

	return info, nil
}

// Load streams the artifact body; the caller closes it. The digest is
// checked once the body has been read to EOF.
func (s *S3Store) Load(ctx context.Context, versionID string) (io.ReadCloser, map[string]interface{}, error) {
	client, _, err := s.client()
	if err != nil {
		return nil, nil, err
	}

	out, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.artifactKey(versionID)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, errors.NewNotFoundError("artifact", versionID)
		}
		return nil, nil, errors.NewStorageIOError(s.Backend(), "load", versionID, err)
	}

	metadata := make(map[string]interface{})
	meta, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.metadataKey(versionID)),
	})
	switch {
	case err == nil:
		if decErr := json.NewDecoder(meta.Body).Decode(&metadata); decErr != nil {
			s.logger.WithError(decErr).WithField("version_id", versionID).Warn("Ignoring unreadable artifact metadata")
		}
		meta.Body.Close()
	case !isNotFound(err):
		out.Body.Close()
		return nil, nil, errors.NewStorageIOError(s.Backend(), "load", versionID, err)
	}

	return verifyOnRead(out.Body, versionID, metadata), metadata, nil
}

// Hash streams the stored object through SHA-256
func (s *S3Store) Hash(ctx context.Context, versionID string) (string, error) {
	client, _, err := s.client()
	if err != nil {
		return "", err
	}

	out, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.artifactKey(versionID)),
	})
	if err != nil {
		if isNotFound(err) {
			return "", errors.NewNotFoundError("artifact", versionID)
		}
		return "", errors.NewStorageIOError(s.Backend(), "read", versionID, err)
	}
	defer out.Body.Close()

	sum, _, err := HashReader(ctx, out.Body)
	if err != nil {
		return "", errors.NewStorageIOError(s.Backend(), "read", versionID, err)
	}
	return sum, nil
}

// Backup copies every object of the version under backups/<id>_<unix>/
func (s *S3Store) Backup(ctx context.Context, versionID string) (string, error) {
	unlock := s.locks.Lock(versionID)
	defer unlock()
	return s.backupLocked(ctx, versionID)
}

func (s *S3Store) backupLocked(ctx context.Context, versionID string) (string, error) {
	client, _, err := s.client()
	if err != nil {
		return "", err
	}

	keys, err := s.listVersionKeys(ctx, client, versionID)
	if err != nil {
		return "", errors.NewStorageIOError(s.Backend(), "backup", versionID, err)
	}
	if len(keys) == 0 {
		return "", errors.NewNotFoundError("artifact", versionID)
	}

	dst := s.prefix() + path.Join(constants.BackupsDir, fmt.Sprintf("%s_%d", versionID, s.now().Unix())) + "/"
	for _, key := range keys {
		_, err := client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(s.config.Bucket),
			CopySource: aws.String(path.Join(s.config.Bucket, key)),
			Key:        aws.String(dst + path.Base(key)),
		})
		if err != nil {
			return "", errors.NewStorageIOError(s.Backend(), "backup", versionID, err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"version_id": versionID,
		"backup":     dst,
	}).Info("Backed up model artifact in S3")

	return fmt.Sprintf("s3://%s/%s", s.config.Bucket, dst), nil
}

// CleanupOlderThan backs up and deletes versions whose artifact is older than
// the retention window and not skipped
func (s *S3Store) CleanupOlderThan(ctx context.Context, retentionDays int, skip func(versionID string) bool) (int, error) {
	if retentionDays < 0 {
		return 0, errors.NewValidationError(errors.CodeOutOfRange, "retention days must not be negative")
	}
	client, _, err := s.client()
	if err != nil {
		return 0, err
	}

	cutoff := s.now().AddDate(0, 0, -retentionDays)
	candidates := make(map[string]time.Time)

	err = client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(s.prefix() + constants.ModelsDir + "/"),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if path.Base(key) != constants.ArtifactFileName {
				continue
			}
			if id := s.versionFromKey(key); id != "" {
				candidates[id] = aws.TimeValue(obj.LastModified)
			}
		}
		return true
	})
	if err != nil {
		return 0, errors.NewStorageIOError(s.Backend(), "list", s.config.Bucket, err)
	}

	removed := 0
	for versionID, modified := range candidates {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !modified.Before(cutoff) || (skip != nil && skip(versionID)) {
			continue
		}
		if err := s.removeVersion(ctx, client, versionID); err != nil {
			s.logger.WithError(err).WithField("version_id", versionID).Error("Failed to clean up artifact")
			continue
		}
		removed++
	}

	s.logger.WithFields(logrus.Fields{
		"retention_days": retentionDays,
		"removed":        removed,
	}).Info("S3 artifact cleanup completed")

	return removed, nil
}

func (s *S3Store) removeVersion(ctx context.Context, client s3iface.S3API, versionID string) error {
	unlock := s.locks.Lock(versionID)
	defer unlock()

	if _, err := s.backupLocked(ctx, versionID); err != nil {
		return err
	}

	keys, err := s.listVersionKeys(ctx, client, versionID)
	if err != nil {
		return errors.NewStorageIOError(s.Backend(), "delete", versionID, err)
	}
	objects := make([]*s3.ObjectIdentifier, 0, len(keys))
	for _, key := range keys {
		objects = append(objects, &s3.ObjectIdentifier{Key: aws.String(key)})
	}
	_, err = client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.config.Bucket),
		Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return errors.NewStorageIOError(s.Backend(), "delete", versionID, err)
	}
	return nil
}

func (s *S3Store) listVersionKeys(ctx context.Context, client s3iface.S3API, versionID string) ([]string, error) {
	var keys []string
	err := client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(s.versionPrefix(versionID)),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	return keys, err
}

func (s *S3Store) objectExists(ctx context.Context, client s3iface.S3API, key string) (bool, error) {
	_, err := client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

// closeOnEOF closes the hashing pipe once the upload body is drained
type closeOnEOF struct {
	r io.Reader
	w *io.PipeWriter
}

func (c *closeOnEOF) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err == io.EOF {
		c.w.Close()
	} else if err != nil {
		c.w.CloseWithError(err)
	}
	return n, err
}
