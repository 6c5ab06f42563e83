package uploader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"borg/forge/internal/job"
	"borg/forge/internal/storage"
)

// Log files at or above this size in MiB are archived before upload
const compressThresholdMB = 10

// FileStore is the content addressed store artifacts go to
type FileStore interface {
	Exists(ctx context.Context, hash string) (bool, error)
	Upload(ctx context.Context, path string) (string, error)
}

// Archiver compresses a file into a new one and returns its path
type Archiver interface {
	Compress(path string) (string, error)
}

// JobLog receives progress lines visible to the build user
type JobLog interface {
	Log(format string, args ...interface{})
}

// Options configure an Uploader
type Options struct {
	Store    FileStore
	Archiver Archiver
	// ReportURL goes into the banner prepended to log files
	ReportURL string
	JobLog    JobLog
	Logger    *zap.Logger
}

// Uploader turns an output directory into upload results
type Uploader struct {
	store     FileStore
	archiver  Archiver
	reportURL string
	jobLog    JobLog
	logger    *zap.Logger
}

// NewUploader creates a new uploader
func NewUploader(opts Options) *Uploader {
	archiver := opts.Archiver
	if archiver == nil {
		archiver = storage.TarGz{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		store:     opts.Store,
		archiver:  archiver,
		reportURL: opts.ReportURL,
		jobLog:    opts.JobLog,
		logger:    logger,
	}
}

// UploadArtifacts uploads every regular file in dirPath. A file that fails is left out of
// the results and does not stop the others. Every file is removed locally afterwards.
func (u *Uploader) UploadArtifacts(ctx context.Context, dirPath string) []job.UploadResult {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		u.logger.Warn("cannot read output folder", zap.String("dir", dirPath), zap.Error(err))
		return []job.UploadResult{}
	}

	results := make([]job.UploadResult, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dirPath, entry.Name())

		result, err := u.UploadArtifact(ctx, path)
		if err != nil {
			u.logger.Warn("artifact upload failed", zap.String("file", entry.Name()), zap.Error(err))
			u.log("Uploading of file '%s' failed: %v", entry.Name(), err)
			continue
		}
		results = append(results, *result)
	}
	return results
}

// UploadArtifact runs one file through banner, compression, dedup and upload.
// The local file is deleted whatever the outcome.
func (u *Uploader) UploadArtifact(ctx context.Context, path string) (result *job.UploadResult, err error) {
	current := path
	defer func() {
		if rmErr := os.Remove(current); rmErr != nil && !os.IsNotExist(rmErr) {
			u.logger.Warn("cannot remove local artifact", zap.String("file", current), zap.Error(rmErr))
		}
	}()

	fileName := filepath.Base(path)
	isLog := isLogFile(fileName)

	if isLog && u.reportURL != "" {
		if err := storage.PrependBanner(current, Banner(u.reportURL)); err != nil {
			// the log is still worth uploading without the banner
			u.logger.Warn("cannot add banner to log", zap.String("file", fileName), zap.Error(err))
		}
	}

	hash, size, err := storage.HashFile(current)
	if err != nil {
		return nil, err
	}
	sizeMB := storage.SizeMB(size)

	if isLog && sizeMB >= compressThresholdMB {
		archive, err := u.archiver.Compress(current)
		if err != nil {
			return nil, errors.Wrap(err, "compress log")
		}
		if err := os.Remove(current); err != nil {
			os.Remove(archive)
			return nil, errors.Wrap(err, "remove uncompressed log")
		}
		current = archive
		fileName += storage.ArchiveSuffix

		if hash, _, err = storage.HashFile(current); err != nil {
			return nil, err
		}
	}

	logger := u.logger.With(zap.String("file", fileName), zap.String("hash", hash))

	u.log("Uploading file '%s'....", fileName)
	exists, err := u.store.Exists(ctx, hash)
	if err != nil {
		return nil, errors.Wrap(err, "look up hash")
	}
	if exists {
		logger.Info("artifact already stored, skipping transfer")
	} else {
		stored, err := u.store.Upload(ctx, current)
		if err != nil {
			return nil, errors.Wrap(err, "upload")
		}
		if stored != hash {
			logger.Warn("store reported a different hash", zap.String("stored", stored))
			hash = stored
		}
		logger.Info("artifact uploaded", zap.Float64("size_mb", sizeMB))
	}
	u.log("Done.")

	return &job.UploadResult{SHA1: hash, FileName: fileName, SizeMB: sizeMB}, nil
}

func (u *Uploader) log(format string, args ...interface{}) {
	if u.jobLog != nil {
		u.jobLog.Log(format, args...)
	}
}

// Banner is the header prepended to uploaded logs
func Banner(reportURL string) string {
	return fmt.Sprintf("==> See: '%s'\n\n", reportURL)
}

func isLogFile(name string) bool {
	return strings.HasSuffix(name, ".log")
}
