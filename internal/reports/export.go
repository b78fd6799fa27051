// Package reports writes ledger transaction exports to blob storage.
package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ncecere/metering_gateway/internal/ledger"
	"github.com/ncecere/metering_gateway/internal/storage/blob"
	"github.com/ncecere/metering_gateway/internal/timeutil"
)

const (
	pageSize     = 500
	exportPrefix = "exports/"
)

var header = []string{
	"id", "account_id", "kind", "tokens_used", "model_used", "request_id",
	"cost_usd", "prompt_tokens", "completion_tokens", "total_tokens", "created_at",
}

// TransactionLister reads the transaction log.
type TransactionLister interface {
	Transactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error)
}

// Request selects transactions created in [From, To). AccountID is optional.
type Request struct {
	From      time.Time
	To        time.Time
	AccountID string
}

// Report describes a written export.
type Report struct {
	Key     string    `json:"key"`
	Rows    int       `json:"rows"`
	Size    int64     `json:"size"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Created time.Time `json:"created_at"`
}

type Exporter struct {
	ledger TransactionLister
	store  blob.Store
	now    func() time.Time
	logger *slog.Logger
}

func NewExporter(l TransactionLister, store blob.Store, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{ledger: l, store: store, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// Export writes the matching transactions as CSV, newest first.
func (e *Exporter) Export(ctx context.Context, req Request) (Report, error) {
	if e == nil || e.store == nil {
		return Report{}, errors.New("export storage not configured")
	}
	now := e.now()
	if req.To.IsZero() || req.To.After(now) {
		req.To = now
	}
	if !req.From.IsZero() {
		window, err := timeutil.NewWindowFromRange(req.From, req.To)
		if err != nil {
			return Report{}, fmt.Errorf("from must be before to: %w", err)
		}
		req.From, req.To = window.Start(), window.End()
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return Report{}, err
	}

	rows := 0
	for offset := 0; ; offset += pageSize {
		page, err := e.ledger.Transactions(ctx, ledger.TransactionFilter{
			AccountID: req.AccountID,
			Since:     req.From,
			Until:     req.To,
			Limit:     pageSize,
			Offset:    offset,
		})
		if err != nil {
			return Report{}, fmt.Errorf("list transactions: %w", err)
		}
		for _, txn := range page {
			if err := w.Write(record(txn)); err != nil {
				return Report{}, err
			}
		}
		rows += len(page)
		if len(page) < pageSize {
			break
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Report{}, err
	}

	key := fmt.Sprintf("%s%s/transactions-%s.csv", exportPrefix, now.Format("2006/01/02"), uuid.NewString())
	info, err := e.store.Put(ctx, key, &buf, blob.PutOptions{
		ContentType: "text/csv",
		Metadata: map[string]string{
			"rows":       strconv.Itoa(rows),
			"account_id": req.AccountID,
		},
	})
	if err != nil {
		return Report{}, fmt.Errorf("store export: %w", err)
	}
	e.logger.InfoContext(ctx, "transactions exported",
		slog.String("key", key),
		slog.Int("rows", rows),
		slog.String("account_id", req.AccountID),
	)
	return Report{Key: key, Rows: rows, Size: info.Size, From: req.From, To: req.To, Created: now}, nil
}

func record(txn ledger.Transaction) []string {
	return []string{
		strconv.FormatInt(txn.ID, 10),
		txn.AccountID,
		string(txn.Kind),
		strconv.FormatInt(txn.Delta, 10),
		txn.Model,
		txn.RequestID,
		txn.CostUSD.String(),
		optional(txn.PromptTokens),
		optional(txn.CompletionTokens),
		optional(txn.TotalTokens),
		txn.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func optional(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

// ErrInvalidKey rejects keys outside the export prefix.
var ErrInvalidKey = errors.New("invalid export key")

// Open streams a previously written export. The caller closes the reader.
func (e *Exporter) Open(ctx context.Context, key string) (io.ReadCloser, blob.ObjectInfo, error) {
	if e == nil || e.store == nil {
		return nil, blob.ObjectInfo{}, errors.New("export storage not configured")
	}
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if !strings.HasPrefix(key, exportPrefix) || strings.Contains(key, "..") {
		return nil, blob.ObjectInfo{}, ErrInvalidKey
	}
	return e.store.Get(ctx, key)
}

// List returns the stored exports, newest first.
func (e *Exporter) List(ctx context.Context) ([]blob.ObjectInfo, error) {
	if e == nil || e.store == nil {
		return nil, errors.New("export storage not configured")
	}
	objects, err := e.store.List(ctx, exportPrefix)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	if objects == nil {
		objects = []blob.ObjectInfo{}
	}
	return objects, nil
}

// Delete removes an export. Deleting a missing export is not an error.
func (e *Exporter) Delete(ctx context.Context, key string) error {
	if e == nil || e.store == nil {
		return errors.New("export storage not configured")
	}
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if !strings.HasPrefix(key, exportPrefix) || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	if err := e.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete export %s: %w", key, err)
	}
	e.logger.InfoContext(ctx, "export deleted", slog.String("key", key))
	return nil
}
