package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/inferloop/modelops/pkg/constants"
	"github.com/inferloop/modelops/pkg/errors"
)

// sidecarHashKey names the recorded digest in the metadata sidecar
const sidecarHashKey = "artifact_hash"

// HashReader streams r through SHA-256 in fixed-size blocks and returns the
// hex digest and the number of bytes read
func HashReader(ctx context.Context, r io.Reader) (string, int64, error) {
	h := sha256.New()
	buf := make([]byte, constants.HashBufferSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return "", total, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", total, err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), total, nil
}

// HashFile returns the SHA-256 hex digest of the file at path
func HashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum, _, err := HashReader(ctx, f)
	return sum, err
}

func bytesToMB(n int64) float64 {
	return float64(n) / (1024 * 1024)
}

// verifiedReader hashes an artifact as it is read. Reaching EOF with a digest
// other than the recorded one fails the read with an integrity error.
type verifiedReader struct {
	rc        io.ReadCloser
	h         hash.Hash
	versionID string
	expected  string
}

// verifyOnRead wraps rc when the sidecar records a digest
func verifyOnRead(rc io.ReadCloser, versionID string, metadata map[string]interface{}) io.ReadCloser {
	expected, _ := metadata[sidecarHashKey].(string)
	if expected == "" {
		return rc
	}
	return &verifiedReader{rc: rc, h: sha256.New(), versionID: versionID, expected: expected}
}

func (v *verifiedReader) Read(p []byte) (int, error) {
	n, err := v.rc.Read(p)
	v.h.Write(p[:n])
	if err == io.EOF {
		if actual := hex.EncodeToString(v.h.Sum(nil)); actual != v.expected {
			return n, errors.NewIntegrityError(v.versionID, v.expected, actual)
		}
	}
	return n, err
}

func (v *verifiedReader) Close() error {
	return v.rc.Close()
}
