// Package blob keeps ledger exports on local disk or in an S3 bucket.
package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/ncecere/metering_gateway/internal/config"
)

var ErrNotFound = errors.New("object not found")

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectInfo describes a stored export. Metadata carries the exporter's
// row count and account filter.
type ObjectInfo struct {
	Key         string            `json:"key"`
	Size        int64             `json:"size"`
	ContentType string            `json:"content_type"`
	Modified    time.Time         `json:"modified"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type Store interface {
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	// List returns objects under prefix, newest key first.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// New builds the backend selected by exports.storage.
func New(ctx context.Context, cfg config.ExportsConfig) (Store, error) {
	if strings.EqualFold(strings.TrimSpace(cfg.Storage), "s3") {
		awsCfg, err := loadS3Config(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return newS3Store(cfg.S3, awsCfg)
	}
	return newLocalStore(cfg.Local.Directory)
}
