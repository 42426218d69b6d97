// Package verify implements the post-download checksum verifier of
// spec §4.6.
package verify

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/harrowgate/fetchcore/internal/config"
	"github.com/harrowgate/fetchcore/internal/task"
)

// Verify streams path through the hash named by kind in fixed
// config.VerifyReadSize reads, comparing the result against expectedHex
// case-insensitively. It is cancellable via ctx; a cancellation reports
// ok=false without treating it as a checksum mismatch.
func Verify(ctx context.Context, path string, kind task.ChecksumKind, expectedHex string) (ok bool, actualHex string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, "", err
	}
	defer f.Close()

	var h hash.Hash
	switch kind {
	case task.MD5:
		h = md5.New()
	case task.SHA256:
		h = sha256.New()
	default:
		h = sha256.New()
	}

	buf := make([]byte, config.VerifyReadSize)
	for {
		select {
		case <-ctx.Done():
			return false, "", ctx.Err()
		default:
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return false, "", readErr
		}
	}

	actualHex = hex.EncodeToString(h.Sum(nil))
	ok = strings.EqualFold(actualHex, expectedHex)
	return ok, actualHex, nil
}
