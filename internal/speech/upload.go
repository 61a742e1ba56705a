package speech

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Uploader stores audio and returns a URL clients can fetch it from.
type Uploader interface {
	Upload(ctx context.Context, data []byte, originalName string) (string, error)
}

// LocalUploader writes files into a directory served at BaseURL.
type LocalUploader struct {
	dir     string
	baseURL string
	prefix  string
	now     func() time.Time
}

// NewLocalUploader creates dir if needed.
func NewLocalUploader(dir, baseURL, prefix string) (*LocalUploader, error) {
	if dir == "" {
		return nil, fmt.Errorf("upload directory required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	if prefix == "" {
		prefix = "voxchain"
	}
	return &LocalUploader{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		prefix:  prefix,
		now:     time.Now,
	}, nil
}

// Dir is the directory files are written to.
func (u *LocalUploader) Dir() string { return u.dir }

// Upload writes data under a unique name keeping originalName's extension.
func (u *LocalUploader) Upload(ctx context.Context, data []byte, originalName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%d_%s%s", u.prefix, u.now().Unix(), uuid.NewString(), filepath.Ext(originalName))
	if err := os.WriteFile(filepath.Join(u.dir, name), data, 0o640); err != nil {
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	return u.baseURL + "/" + name, nil
}

var _ Uploader = (*LocalUploader)(nil)
