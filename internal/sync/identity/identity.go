// Package identity provides the stable per-installation device id that
// every queued action is attributed to.
package identity

import (
	"context"
	"database/sql"
	"sync"
	"time"

	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/logging"
	"github.com/kimhsiao/judgesync/internal/models"
	"github.com/kimhsiao/judgesync/internal/uuid"
)

// Provider lazily creates and caches the device identity.
type Provider struct {
	db  *sql.DB
	now func() time.Time

	mu     sync.Mutex
	cached *models.DeviceIdentity
}

// NewProvider creates a Provider backed by the device_identity table.
func NewProvider(db *sql.DB) *Provider {
	return &Provider{db: db, now: time.Now}
}

// GetOrCreate returns the device id, creating it on first use. Concurrent
// first calls, including from other processes sharing the database file,
// all observe the same id.
func (p *Provider) GetOrCreate(ctx context.Context) (string, error) {
	ident, err := p.Identity(ctx)
	if err != nil {
		return "", err
	}
	return ident.ID, nil
}

// Identity is GetOrCreate returning the full record.
func (p *Provider) Identity(ctx context.Context) (*models.DeviceIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil {
		c := *p.cached
		return &c, nil
	}

	candidate := uuid.New()
	res, err := p.db.ExecContext(ctx, `INSERT INTO device_identity (singleton, id, created_at)
		VALUES (1, ?, ?) ON CONFLICT(singleton) DO NOTHING`, candidate, p.now().UnixMilli())
	if err != nil {
		return nil, errs.Storage("failed to create device identity", err)
	}

	var ident models.DeviceIdentity
	err = p.db.QueryRowContext(ctx, `SELECT id, created_at FROM device_identity WHERE singleton = 1`).
		Scan(&ident.ID, &ident.CreatedAt)
	if err != nil {
		return nil, errs.Storage("failed to load device identity", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		logging.Info("Created device identity", map[string]interface{}{"device_id": ident.ID})
	}
	p.cached = &ident
	c := ident
	return &c, nil
}
