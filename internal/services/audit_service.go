package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/samblam/edgemesh/internal/models"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
	verifyBatchSize   = 500
)

// ErrAuditWriteFailed wraps any failure to commit an audit record together
// with its business change.
var ErrAuditWriteFailed = errors.New("audit write failed")

// AuditFilter narrows an audit query. Zero values are ignored.
type AuditFilter struct {
	DeviceID  string
	UserID    string
	EventType string
	Decision  models.Decision
	Since     *time.Time
	Until     *time.Time
	Limit     int
}

// ChainReport is the outcome of re-verifying the audit hash chain.
type ChainReport struct {
	Valid    bool   `json:"valid"`
	Checked  int    `json:"checked"`
	BrokenAt uint64 `json:"broken_at,omitempty"`
	Problem  string `json:"problem,omitempty"`
}

// AuditService appends hash-chained audit records and serves read-only queries.
type AuditService struct {
	db *gorm.DB
	// mu serializes chain appends so two writers never claim the same head.
	mu sync.Mutex
}

// NewAuditService returns an AuditService using the provided DB.
func NewAuditService(db *gorm.DB) *AuditService {
	return &AuditService{db: db}
}

// Commit runs change and appends rec in a single transaction. change may be
// nil and may mutate rec (for example to attach a connection id). If either
// step fails nothing is written.
func (s *AuditService) Commit(ctx context.Context, rec *models.AuditRecord, change func(tx *gorm.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if change != nil {
			if err := change(tx); err != nil {
				return err
			}
		}
		return s.appendTx(tx, rec)
	})
	if err != nil {
		return err
	}
	return nil
}

// Record appends a standalone record.
func (s *AuditService) Record(ctx context.Context, rec *models.AuditRecord) error {
	if err := s.Commit(ctx, rec, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
	}
	return nil
}

func (s *AuditService) appendTx(tx *gorm.DB, rec *models.AuditRecord) error {
	if rec == nil {
		return errors.New("nil audit record")
	}
	var head models.AuditRecord
	err := tx.Order("sequence desc").Limit(1).Take(&head).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec.Sequence = 1
		rec.PrevHash = ""
	case err != nil:
		return fmt.Errorf("read audit head: %w", err)
	default:
		rec.Sequence = head.Sequence + 1
		rec.PrevHash = head.RecordHash
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Microsecond)
	rec.ID = 0
	rec.RecordHash = hashRecord(rec)

	if err := tx.Create(rec).Error; err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// hashRecord covers every persisted field except the surrogate id.
func hashRecord(r *models.AuditRecord) string {
	fields := []string{
		strconv.FormatUint(r.Sequence, 10),
		r.EventType,
		r.DeviceID,
		r.UserID,
		r.ServiceName,
		string(r.Decision),
		r.Reason,
		r.PolicyContext,
		r.ConnectionID,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.PrevHash,
	}
	h := sha256.New()
	for _, f := range fields {
		// Length-prefix each field so boundaries cannot be shifted.
		h.Write([]byte(strconv.Itoa(len(f))))
		h.Write([]byte{':'})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// apply adds f's conditions to q. Limit is left to the caller.
func (f AuditFilter) apply(q *gorm.DB) *gorm.DB {
	if f.DeviceID != "" {
		q = q.Where("device_id = ?", f.DeviceID)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.Decision != "" {
		q = q.Where("decision = ?", f.Decision)
	}
	if f.Since != nil {
		q = q.Where("timestamp >= ?", f.Since.UTC())
	}
	if f.Until != nil {
		q = q.Where("timestamp <= ?", f.Until.UTC())
	}
	return q
}

// Query returns records matching f, newest first.
func (s *AuditService) Query(ctx context.Context, f AuditFilter) ([]models.AuditRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	var res []models.AuditRecord
	q := f.apply(s.db.WithContext(ctx).Model(&models.AuditRecord{}))
	if err := q.Order("sequence desc").Limit(limit).Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

// Count returns the number of records matching f, ignoring its limit.
func (s *AuditService) Count(ctx context.Context, f AuditFilter) (int64, error) {
	var n int64
	err := f.apply(s.db.WithContext(ctx).Model(&models.AuditRecord{})).Count(&n).Error
	return n, err
}

// VerifyChain walks the whole log in sequence order and recomputes every
// hash. It stops at the first inconsistency.
func (s *AuditService) VerifyChain(ctx context.Context) (ChainReport, error) {
	report := ChainReport{Valid: true}
	var (
		expected uint64 = 1
		prevHash string
	)

	var batch []models.AuditRecord
	res := s.db.WithContext(ctx).Order("sequence asc").FindInBatches(&batch, verifyBatchSize, func(tx *gorm.DB, _ int) error {
		for i := range batch {
			r := &batch[i]
			var problem string
			switch {
			case r.Sequence != expected:
				problem = fmt.Sprintf("sequence gap: expected %d", expected)
			case r.PrevHash != prevHash:
				problem = "previous hash mismatch"
			case hashRecord(r) != r.RecordHash:
				problem = "record hash mismatch"
			}
			if problem != "" {
				report.Valid = false
				report.BrokenAt = r.Sequence
				report.Problem = problem
				return errChainBroken
			}
			report.Checked++
			expected++
			prevHash = r.RecordHash
		}
		return nil
	})
	if res.Error != nil && !errors.Is(res.Error, errChainBroken) {
		return ChainReport{}, res.Error
	}
	return report, nil
}

var errChainBroken = errors.New("audit chain broken")
