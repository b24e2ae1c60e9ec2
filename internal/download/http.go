package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alvmarrod/deadend-crawler/internal/files"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultDownloadTimeout = 60 * time.Second
	defaultUserAgent       = "deadend-crawler/1.0"
)

// ErrPermanent marks failures a further attempt cannot fix. The queue does
// not retry them.
var ErrPermanent = errors.New("permanent download error")

// HTTPOptions configures an HTTPDownloader
type HTTPOptions struct {
	Client    *http.Client
	UserAgent string
	// Timeout bounds a single attempt
	Timeout time.Duration
	// RatePerSecond limits requests per host. 0 disables limiting.
	RatePerSecond float64
	// MaxBytes caps the file size. 0 disables the cap.
	MaxBytes int64
}

// HTTPDownloader streams files to disk, verifying their size and recording a
// SHA-256 checksum. Each Download is a single attempt; retries belong to the Queue.
type HTTPDownloader struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	rps       float64
	maxBytes  int64
	log       logrus.FieldLogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPDownloader applies defaults to zero options
func NewHTTPDownloader(opts HTTPOptions) *HTTPDownloader {
	d := &HTTPDownloader{
		client:    opts.Client,
		userAgent: opts.UserAgent,
		timeout:   opts.Timeout,
		rps:       opts.RatePerSecond,
		maxBytes:  opts.MaxBytes,
		log:       logrus.WithField("component", "downloader"),
		limiters:  make(map[string]*rate.Limiter),
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.userAgent == "" {
		d.userAgent = defaultUserAgent
	}
	if d.timeout <= 0 {
		d.timeout = defaultDownloadTimeout
	}
	return d
}

// Download fetches file into destDir/<file type>/ and returns its location and checksum
func (d *HTTPDownloader) Download(ctx context.Context, file files.FileDescriptor, destDir string) (Outcome, error) {
	parsed, err := url.Parse(file.URL)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: invalid file URL: %v", ErrPermanent, err)
	}

	target := TargetPath(destDir, file)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Outcome{}, fmt.Errorf("failed to create download dir: %w", err)
	}

	if err := d.wait(ctx, parsed.Host); err != nil {
		return Outcome{}, err
	}

	out, err := d.fetch(ctx, file, target)
	if err != nil {
		d.log.Debugf("Download of %s failed: %v", file.URL, err)
		return Outcome{}, err
	}
	return out, nil
}

// wait enforces the per-host rate limit
func (d *HTTPDownloader) wait(ctx context.Context, host string) error {
	if d.rps <= 0 || host == "" {
		return nil
	}
	host = strings.ToLower(host)

	d.mu.Lock()
	limiter, ok := d.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(d.rps), 1)
		d.limiters[host] = limiter
	}
	d.mu.Unlock()

	return limiter.Wait(ctx)
}

func (d *HTTPDownloader) fetch(ctx context.Context, file files.FileDescriptor, target string) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.URL, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: failed to create request: %v", ErrPermanent, err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("bad status code: %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			err = fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		return Outcome{}, err
	}

	if d.maxBytes > 0 && resp.ContentLength > d.maxBytes {
		return Outcome{}, fmt.Errorf("%w: file too large: %d bytes", ErrPermanent, resp.ContentLength)
	}

	tempPath := target + ".part"
	f, err := os.Create(tempPath)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to create file: %w", err)
	}

	hasher := sha256.New()
	var body io.Reader = resp.Body
	if d.maxBytes > 0 {
		body = io.LimitReader(resp.Body, d.maxBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(f, hasher), body)
	closeErr := f.Close()

	if err == nil {
		err = closeErr
	}
	if err == nil && d.maxBytes > 0 && n > d.maxBytes {
		err = fmt.Errorf("%w: file exceeds %d bytes", ErrPermanent, d.maxBytes)
	}
	if err == nil && resp.ContentLength >= 0 && n != resp.ContentLength {
		err = fmt.Errorf("size mismatch: got %d bytes, expected %d", n, resp.ContentLength)
	}
	if err != nil {
		os.Remove(tempPath)
		return Outcome{}, fmt.Errorf("failed to save file: %w", err)
	}

	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		return Outcome{}, fmt.Errorf("failed to rename file: %w", err)
	}

	return Outcome{
		FilePath:  target,
		SizeBytes: n,
		Checksum:  hex.EncodeToString(hasher.Sum(nil)),
		Metadata: map[string]string{
			"content_type": resp.Header.Get("Content-Type"),
			"status_code":  strconv.Itoa(resp.StatusCode),
			"final_url":    resp.Request.URL.String(),
		},
	}, nil
}

// TargetPath is where a file lands: destDir/<file type>/<url hash>_<filename>
func TargetPath(destDir string, file files.FileDescriptor) string {
	sum := sha256.Sum256([]byte(file.URL))
	name := sanitizeFilename(file.Filename)
	if name == "" {
		name = "file" + file.Extension
	}
	fileType := string(file.FileType)
	if fileType == "" {
		fileType = string(files.Other)
	}
	return filepath.Join(destDir, fileType, hex.EncodeToString(sum[:4])+"_"+name)
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '|', '?', '*':
			return '_'
		}
		if r < 0x20 {
			return '_'
		}
		return r
	}, name)
}
