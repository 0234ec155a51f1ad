package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/modelops/pkg/constants"
	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/models"
)

// LocalStore keeps artifacts on the local filesystem:
//
//	<base>/models/<versionID>/model.bin
//	<base>/models/<versionID>/metadata.json
//	<base>/backups/<versionID>_<unix>/
type LocalStore struct {
	logger   *logrus.Logger
	basePath string
	locks    *versionLocks
	now      func() time.Time
}

// NewLocalStore creates the directory layout under basePath
func NewLocalStore(basePath string, logger *logrus.Logger) (*LocalStore, error) {
	if basePath == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "artifact base path is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	for _, dir := range []string{constants.ModelsDir, constants.BackupsDir} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			return nil, errors.NewStorageIOError(constants.ArtifactBackendLocal, "init", basePath, err)
		}
	}

	return &LocalStore{
		logger:   logger,
		basePath: basePath,
		locks:    newVersionLocks(),
		now:      time.Now,
	}, nil
}

// Backend names the implementation
func (s *LocalStore) Backend() string {
	return constants.ArtifactBackendLocal
}

// BasePath returns the storage root
func (s *LocalStore) BasePath() string {
	return s.basePath
}

func (s *LocalStore) versionDir(versionID string) string {
	return filepath.Join(s.basePath, constants.ModelsDir, versionID)
}

// ArtifactPath returns where the artifact of versionID lives
func (s *LocalStore) ArtifactPath(versionID string) string {
	return filepath.Join(s.versionDir(versionID), constants.ArtifactFileName)
}

// Store writes the artifact once for versionID
func (s *LocalStore) Store(ctx context.Context, versionID string, artifact io.Reader, metadata map[string]interface{}) (*models.ArtifactInfo, error) {
	if err := validateVersionID(versionID); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(versionID)
	defer unlock()

	dir := s.versionDir(versionID)
	path := s.ArtifactPath(versionID)
	if _, err := os.Stat(path); err == nil {
		return nil, errors.NewValidationError(errors.CodeArtifactExists,
			fmt.Sprintf("artifact for version %s already stored", versionID)).WithCause(errors.ErrArtifactExists)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.NewStorageIOError(s.Backend(), "store", versionID, err)
	}

	info, err := s.writeArtifact(ctx, versionID, path, artifact, metadata)
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			s.logger.WithError(rmErr).WithField("version_id", versionID).Warn("Failed to remove partial artifact")
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"version_id": versionID,
		"path":       info.Path,
		"hash":       info.Hash,
		"size_mb":    info.SizeMB,
	}).Info("Stored model artifact")

	return info, nil
}

func (s *LocalStore) writeArtifact(ctx context.Context, versionID, path string, artifact io.Reader, metadata map[string]interface{}) (*models.ArtifactInfo, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.NewStorageIOError(s.Backend(), "store", versionID, err)
	}

	written, copyErr := io.CopyBuffer(file, &ctxReader{ctx: ctx, r: artifact}, make([]byte, constants.HashBufferSize))
	if copyErr == nil {
		copyErr = file.Sync()
	}
	if closeErr := file.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return nil, errors.NewStorageIOError(s.Backend(), "store", versionID, copyErr)
	}

	// Hash what actually landed on disk.
	hash, err := HashFile(ctx, path)
	if err != nil {
		return nil, errors.NewStorageIOError(s.Backend(), "store", versionID, err)
	}

	info := &models.ArtifactInfo{
		Path:   path,
		Hash:   hash,
		SizeMB: bytesToMB(written),
	}

	sidecar := make(map[string]interface{}, len(metadata)+4)
	for k, v := range metadata {
		sidecar[k] = v
	}
	sidecar["version_id"] = versionID
	sidecar[sidecarHashKey] = hash
	sidecar["artifact_size_bytes"] = written
	sidecar["stored_at"] = s.now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidInput, "artifact metadata is not serializable")
	}
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), constants.ArtifactMetadataFileName), data, 0644); err != nil {
		return nil, errors.NewStorageIOError(s.Backend(), "store", versionID, err)
	}

	return info, nil
}

// Load opens the artifact and returns it together with the metadata sidecar.
// The digest is checked once the body has been read to EOF.
func (s *LocalStore) Load(ctx context.Context, versionID string) (io.ReadCloser, map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	file, err := os.Open(s.ArtifactPath(versionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.NewNotFoundError("artifact", versionID)
		}
		return nil, nil, errors.NewStorageIOError(s.Backend(), "load", versionID, err)
	}

	metadata := make(map[string]interface{})
	data, err := os.ReadFile(filepath.Join(s.versionDir(versionID), constants.ArtifactMetadataFileName))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &metadata); err != nil {
			s.logger.WithError(err).WithField("version_id", versionID).Warn("Ignoring unreadable artifact metadata")
		}
	case !os.IsNotExist(err):
		file.Close()
		return nil, nil, errors.NewStorageIOError(s.Backend(), "load", versionID, err)
	}

	return verifyOnRead(file, versionID, metadata), metadata, nil
}

// Hash recomputes the digest of the stored artifact
func (s *LocalStore) Hash(ctx context.Context, versionID string) (string, error) {
	hash, err := HashFile(ctx, s.ArtifactPath(versionID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewNotFoundError("artifact", versionID)
		}
		return "", errors.NewStorageIOError(s.Backend(), "read", versionID, err)
	}
	return hash, nil
}

// Backup copies the version directory into the backup area
func (s *LocalStore) Backup(ctx context.Context, versionID string) (string, error) {
	unlock := s.locks.Lock(versionID)
	defer unlock()
	return s.backupLocked(ctx, versionID)
}

func (s *LocalStore) backupLocked(ctx context.Context, versionID string) (string, error) {
	src := s.versionDir(versionID)
	entries, err := os.ReadDir(src)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewNotFoundError("artifact", versionID)
		}
		return "", errors.NewStorageIOError(s.Backend(), "backup", versionID, err)
	}

	base := fmt.Sprintf("%s_%d", versionID, s.now().Unix())
	dst := filepath.Join(s.basePath, constants.BackupsDir, base)
	for i := 1; ; i++ {
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			break
		}
		dst = filepath.Join(s.basePath, constants.BackupsDir, fmt.Sprintf("%s_%d", base, i))
	}

	if err := os.MkdirAll(dst, 0755); err != nil {
		return "", errors.NewStorageIOError(s.Backend(), "backup", versionID, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return "", errors.NewStorageIOError(s.Backend(), "backup", versionID, err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"version_id": versionID,
		"backup":     dst,
	}).Info("Backed up model artifact")

	return dst, nil
}

// CleanupOlderThan backs up and removes every version directory older than
// retentionDays for which skip returns false. A failure on one version is
// logged and the sweep continues.
func (s *LocalStore) CleanupOlderThan(ctx context.Context, retentionDays int, skip func(versionID string) bool) (int, error) {
	if retentionDays < 0 {
		return 0, errors.NewValidationError(errors.CodeOutOfRange, "retention days must not be negative")
	}

	root := filepath.Join(s.basePath, constants.ModelsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, errors.NewStorageIOError(s.Backend(), "list", root, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	cutoff := s.now().AddDate(0, 0, -retentionDays)
	removed := 0

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !entry.IsDir() {
			continue
		}

		versionID := entry.Name()
		if skip != nil && skip(versionID) {
			continue
		}

		info, err := os.Stat(s.ArtifactPath(versionID))
		if err != nil {
			info, err = entry.Info()
			if err != nil {
				s.logger.WithError(err).WithField("version_id", versionID).Warn("Failed to stat artifact during cleanup")
				continue
			}
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		if err := s.removeVersion(ctx, versionID); err != nil {
			s.logger.WithError(err).WithField("version_id", versionID).Error("Failed to clean up artifact")
			continue
		}
		removed++
	}

	s.logger.WithFields(logrus.Fields{
		"retention_days": retentionDays,
		"removed":        removed,
	}).Info("Artifact cleanup completed")

	return removed, nil
}

func (s *LocalStore) removeVersion(ctx context.Context, versionID string) error {
	unlock := s.locks.Lock(versionID)
	defer unlock()

	if _, err := s.backupLocked(ctx, versionID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.versionDir(versionID)); err != nil {
		return errors.NewStorageIOError(s.Backend(), "delete", versionID, err)
	}

	s.logger.WithField("version_id", versionID).Info("Deleted model artifact")
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func validateVersionID(versionID string) error {
	if versionID == "" {
		return errors.NewValidationError(errors.CodeMissingField, "version ID is required")
	}
	if filepath.Base(versionID) != versionID || versionID == "." || versionID == ".." {
		return errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("invalid version ID %q", versionID))
	}
	return nil
}

// ctxReader stops a copy once the context is cancelled
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
