package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// multipart field the file store expects the file under
	fileField = "file_store[file]"

	defaultConnectTimeout = 5 * time.Second
	defaultAttempts       = 5
)

// FileStoreOptions configure a FileStore
type FileStoreOptions struct {
	// URL is the lookup endpoint, queried as <URL>.json?hash=<sha1>
	URL string
	// CreateURL receives the multipart upload
	CreateURL string
	// Token is sent as the basic auth user with an empty password
	Token string

	ConnectTimeout time.Duration
	// Attempts is the total number of tries per request, including the first
	Attempts     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// FileStore talks to the content addressed file store over HTTP
type FileStore struct {
	opts   FileStoreOptions
	client *retryablehttp.Client
	logger *zap.Logger
}

// NewFileStore creates a file store client with a bounded connect timeout and retry budget
func NewFileStore(opts FileStoreOptions, logger *zap.Logger) *FileStore {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: transport}
	rc.RetryMax = opts.Attempts - 1
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	rc.Logger = leveledLogger{logger.Named("filestore")}

	return &FileStore{opts: opts, client: rc, logger: logger}
}

// Exists reports whether the store already holds a file with this sha1
func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	lookup := fmt.Sprintf("%s.json?hash=%s", s.opts.URL, url.QueryEscape(hash))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, lookup, nil)
	if err != nil {
		return false, errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "lookup file")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, errors.Errorf("lookup failed with status %d: %s", resp.StatusCode, string(body))
	}

	var found []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&found); err != nil {
		return false, errors.Wrap(err, "decode lookup response")
	}
	return len(found) > 0, nil
}

// UploadResponse is what the store answers to a successful upload
type UploadResponse struct {
	SHA1Hash string `json:"sha1_hash"`
}

// Upload sends the file as a credentialed multipart form and returns the hash the store assigned
func (s *FileStore) Upload(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", errors.Wrap(err, "stat file")
	}

	boundary := multipart.NewWriter(io.Discard).Boundary()
	body := func() (io.Reader, error) {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		return multipartBody(file, filepath.Base(path), boundary), nil
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.opts.CreateURL, retryablehttp.ReaderFunc(body))
	if err != nil {
		return "", errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(s.opts.Token, "")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "upload file")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", errors.Errorf("upload failed with status %d: %s", resp.StatusCode, string(b))
	}

	var uploadResp UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&uploadResp); err != nil {
		return "", errors.Wrap(err, "decode upload response")
	}
	if uploadResp.SHA1Hash == "" {
		return "", errors.New("upload response carries no sha1_hash")
	}
	return uploadResp.SHA1Hash, nil
}

// multipartBody streams the form through a pipe so large artifacts are never held in memory.
// The file is closed once it has been copied or the reader side goes away.
func multipartBody(file *os.File, name, boundary string) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer file.Close()
		writer := multipart.NewWriter(pw)
		if err := writer.SetBoundary(boundary); err != nil {
			pw.CloseWithError(err)
			return
		}
		part, err := writer.CreateFormFile(fileField, name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()
	return pr
}

// leveledLogger routes retryablehttp logs to zap
type leveledLogger struct {
	logger *zap.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.logger.Sugar().Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.logger.Sugar().Infow(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.logger.Sugar().Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.logger.Sugar().Warnw(msg, kv...) }
