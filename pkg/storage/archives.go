package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jdziat/archive-lifecycle/pkg/core"
	"github.com/jdziat/archive-lifecycle/pkg/partition"
	"github.com/jdziat/archive-lifecycle/pkg/period"
)

// AnySegment matches the rows of every segment, including all visits.
const AnySegment = "*"

// Blob is one serialized report of an archive.
type Blob struct {
	Name       string
	SubtableID int
	Value      []byte
}

// ArchiveWrite is the complete output of one archive computation.
type ArchiveWrite struct {
	IDSite      int
	Period      period.Period
	SegmentHash string
	Status      core.ArchiveStatus
	Numeric     map[string]float64
	Blobs       []Blob
	TsArchived  time.Time
}

// ArchiveInfo describes the done row of an archive.
type ArchiveInfo struct {
	ArchiveID  string
	Status     core.ArchiveStatus
	TsArchived time.Time
}

// ArchiveStore reads and writes archive rows of the monthly partitions.
// Writes never update in place: each computation inserts a fresh archive id and
// the newest usable one wins.
type ArchiveStore struct {
	db      *gorm.DB
	locator *partition.Locator
}

// NewArchiveStore creates an ArchiveStore.
func NewArchiveStore(db *gorm.DB, locator *partition.Locator) *ArchiveStore {
	return &ArchiveStore{db: db, locator: locator}
}

// WithTx returns a store bound to tx. Its locator starts with an empty cache so a
// rolled back partition is never remembered as created.
func (s *ArchiveStore) WithTx(tx *gorm.DB) *ArchiveStore {
	return &ArchiveStore{db: tx, locator: partition.NewLocator(tx)}
}

// Locator returns the partition locator used by the store.
func (s *ArchiveStore) Locator() *partition.Locator {
	return s.locator
}

// WriteArchive inserts all rows of an archive, plus its done row, in one transaction.
func (s *ArchiveStore) WriteArchive(ctx context.Context, w ArchiveWrite) (string, error) {
	if w.Status == "" {
		w.Status = core.ArchiveValid
	}
	if w.TsArchived.IsZero() {
		w.TsArchived = time.Now()
	}
	id := partition.For(w.Period)
	if err := s.locator.Ensure(ctx, id); err != nil {
		return "", err
	}

	key := core.ArchiveKey{
		ArchiveID:   uuid.New().String(),
		IDSite:      w.IDSite,
		Period:      int(w.Period.Kind()),
		Date1:       w.Period.Date1(),
		Date2:       w.Period.Date2(),
		PeriodKey:   w.Period.Key(),
		SegmentHash: w.SegmentHash,
	}
	ts := w.TsArchived.UnixMilli()

	numeric := make([]core.ArchiveRecord, 0, len(w.Numeric)+1)
	numeric = append(numeric, core.ArchiveRecord{
		ID: uuid.New().String(), ArchiveKey: key, Name: core.DoneRecordName,
		Value: 1, Status: w.Status, TsArchived: ts,
	})
	for name, v := range w.Numeric {
		if name == core.DoneRecordName {
			continue
		}
		numeric = append(numeric, core.ArchiveRecord{
			ID: uuid.New().String(), ArchiveKey: key, Name: name,
			Value: v, Status: w.Status, TsArchived: ts,
		})
	}
	blobs := make([]core.BlobRecord, 0, len(w.Blobs))
	for _, b := range w.Blobs {
		blobs = append(blobs, core.BlobRecord{
			ID: uuid.New().String(), ArchiveKey: key, Name: b.Name, SubtableID: b.SubtableID,
			Value: b.Value, Status: w.Status, TsArchived: ts,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(id.NumericTable()).Create(&numeric).Error; err != nil {
			return core.NewStorageError("write archive", id.NumericTable(), err)
		}
		if len(blobs) > 0 {
			if err := tx.Table(id.BlobTable()).Create(&blobs).Error; err != nil {
				return core.NewStorageError("write archive", id.BlobTable(), err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return key.ArchiveID, nil
}

// LatestArchive returns the newest usable archive of a logical key, or nil when none exists.
func (s *ArchiveStore) LatestArchive(ctx context.Context, idSite int, p period.Period, segmentHash string) (*ArchiveInfo, error) {
	id := partition.For(p)
	if !s.locator.Exists(ctx, id) {
		return nil, nil
	}

	var row core.ArchiveRecord
	err := s.db.WithContext(ctx).Table(id.NumericTable()).
		Where("id_site = ? AND period_key = ? AND segment_hash = ? AND name = ?", idSite, p.Key(), segmentHash, core.DoneRecordName).
		Where("status IN ?", core.UsableStatuses).
		Order("ts_archived DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewStorageError("latest archive", id.NumericTable(), err)
	}
	return &ArchiveInfo{ArchiveID: row.ArchiveID, Status: row.Status, TsArchived: row.ArchivedAt()}, nil
}

// NumericValue resolves a record of the latest usable archive.
func (s *ArchiveStore) NumericValue(ctx context.Context, idSite int, p period.Period, segmentHash, name string) (float64, bool, error) {
	info, err := s.LatestArchive(ctx, idSite, p, segmentHash)
	if err != nil || info == nil {
		return 0, false, err
	}
	table := partition.For(p).NumericTable()
	var row core.ArchiveRecord
	err = s.db.WithContext(ctx).Table(table).
		Where("archive_id = ? AND name = ?", info.ArchiveID, name).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, core.NewStorageError("read record", table, err)
	}
	return row.Value, true, nil
}

// MarkInvalidated flags the usable rows of a logical key as invalidated.
// segmentHash may be AnySegment.
func (s *ArchiveStore) MarkInvalidated(ctx context.Context, idSite int, p period.Period, segmentHash string) (int64, error) {
	id := partition.For(p)
	if !s.locator.Exists(ctx, id) {
		return 0, nil
	}
	var total int64
	for _, table := range id.Tables() {
		q := s.db.WithContext(ctx).Table(table).
			Where("id_site = ? AND period_key = ?", idSite, p.Key()).
			Where("status IN ?", core.UsableStatuses)
		if segmentHash != AnySegment {
			q = q.Where("segment_hash = ?", segmentHash)
		}
		res := q.Update("status", core.ArchiveInvalidated)
		if res.Error != nil {
			return total, core.NewStorageError("mark invalidated", table, res.Error)
		}
		total += res.RowsAffected
	}
	return total, nil
}

// MarkRangesContaining invalidates range archives of a site that include the given day.
// Range archives live in the partition of their start month, so every partition up to
// the day's month is checked. It returns the touched partitions.
func (s *ArchiveStore) MarkRangesContaining(ctx context.Context, idSite int, day time.Time, segmentHash string) ([]partition.ID, error) {
	ids, err := s.locator.ListExisting(ctx)
	if err != nil {
		return nil, err
	}
	d := day.UTC().Format(period.DateLayout)
	last := partition.ForDate(day)

	var touched []partition.ID
	for _, id := range ids {
		if last.Before(id) {
			break
		}
		var affected int64
		for _, table := range id.Tables() {
			q := s.db.WithContext(ctx).Table(table).
				Where("id_site = ? AND period = ? AND date1 <= ? AND date2 >= ?", idSite, int(period.Range), d, d).
				Where("status IN ?", core.UsableStatuses)
			if segmentHash != AnySegment {
				q = q.Where("segment_hash = ?", segmentHash)
			}
			res := q.Update("status", core.ArchiveInvalidated)
			if res.Error != nil {
				return touched, core.NewStorageError("mark ranges invalidated", table, res.Error)
			}
			affected += res.RowsAffected
		}
		if affected > 0 {
			touched = append(touched, id)
		}
	}
	return touched, nil
}

// CountRows counts the rows of a partition table matching an optional status.
func (s *ArchiveStore) CountRows(ctx context.Context, table string, status core.ArchiveStatus) (int64, error) {
	var n int64
	q := s.db.WithContext(ctx).Table(table)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, core.NewStorageError("count rows", table, err)
	}
	return n, nil
}
