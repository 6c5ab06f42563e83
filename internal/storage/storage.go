package storage

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ArchiveSuffix is appended to a compressed file's name
const ArchiveSuffix = ".tar.gz"

// copyContent is swapped in tests to interrupt a rewrite half way
var copyContent = io.Copy

// HashFile returns the hex sha1 of the file and its size in bytes
func HashFile(path string) (hash string, size int64, err error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, errors.Wrap(err, "open file")
	}
	defer file.Close()

	hasher := sha1.New()
	size, err = io.Copy(hasher, file)
	if err != nil {
		return "", 0, errors.Wrap(err, "read file")
	}

	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// SizeMB converts bytes to MiB rounded to 2 decimals
func SizeMB(size int64) float64 {
	return math.Round(float64(size)/(1<<20)*100) / 100
}

// PrependBanner rewrites the file with banner in front of its content.
// The new content goes to a temp file in the same directory which then replaces
// the original, so readers see either the old file or the complete new one.
func PrependBanner(path, banner string) (err error) {
	src, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open file")
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return errors.Wrap(err, "stat file")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.WriteString(tmp, banner); err != nil {
		return errors.Wrap(err, "write banner")
	}
	if _, err = copyContent(tmp, src); err != nil {
		return errors.Wrap(err, "copy content")
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrap(err, "sync temp file")
	}
	if err = tmp.Chmod(info.Mode().Perm()); err != nil {
		return errors.Wrap(err, "chmod temp file")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "replace file")
	}
	return nil
}

// TarGz packs a single file into a gzipped tarball next to it
type TarGz struct{}

// Compress writes <path>.tar.gz and returns its path. The original is left in place.
func (TarGz) Compress(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open file")
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", errors.Wrap(err, "stat file")
	}

	archivePath := path + ArchiveSuffix
	dst, err := os.Create(archivePath)
	if err != nil {
		return "", errors.Wrap(err, "create archive")
	}

	if err := writeTarGz(dst, src, info); err != nil {
		dst.Close()
		os.Remove(archivePath)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(archivePath)
		return "", errors.Wrap(err, "close archive")
	}
	return archivePath, nil
}

func writeTarGz(dst io.Writer, src io.Reader, info os.FileInfo) error {
	gz := gzip.NewWriter(dst)
	tw := tar.NewWriter(gz)

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return errors.Wrap(err, "tar header")
	}
	if err := tw.WriteHeader(header); err != nil {
		return errors.Wrap(err, "write tar header")
	}
	if _, err := io.Copy(tw, src); err != nil {
		return errors.Wrap(err, "write tar body")
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "close tar")
	}
	return errors.Wrap(gz.Close(), "close gzip")
}
