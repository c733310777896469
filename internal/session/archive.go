package session

import (
	"fmt"
	"io"
	"os"

	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/zstd"
)

// ArchiveSuffix is appended to the log path to name its compressed copy.
const ArchiveSuffix = ".zst"

// ArchiveLog writes a zstd compressed copy of the finished log next to it
// and returns the archive path. The archive appears atomically; the log
// itself is left untouched.
func ArchiveLog(logPath string) (string, error) {
	src, err := os.Open(logPath)
	if err != nil {
		return "", fmt.Errorf("open log: %w", err)
	}
	defer src.Close()

	archivePath := logPath + ArchiveSuffix
	dst, err := renameio.NewPendingFile(archivePath, renameio.WithPermissions(0o600))
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer dst.Cleanup()

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		return "", fmt.Errorf("create encoder: %w", err)
	}
	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		return "", fmt.Errorf("compress log: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("finish archive: %w", err)
	}
	if err := dst.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("replace archive: %w", err)
	}
	return archivePath, nil
}

// ReadArchive decompresses an archive written by ArchiveLog.
func ReadArchive(archivePath string) ([]byte, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}
