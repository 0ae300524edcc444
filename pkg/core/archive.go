package core

import "time"

// ArchiveStatus is the state of an archive row.
type ArchiveStatus string

const (
	ArchiveValid       ArchiveStatus = "valid"
	ArchiveTemporary   ArchiveStatus = "temporary"   // today's data, still changing
	ArchiveInvalidated ArchiveStatus = "invalidated" // stale, must be recomputed
	ArchiveError       ArchiveStatus = "error"
)

// Usable reports whether a row in this status may be served to readers.
func (s ArchiveStatus) Usable() bool {
	return s == ArchiveValid || s == ArchiveTemporary
}

// UsableStatuses lists the statuses a reader may resolve to.
var UsableStatuses = []ArchiveStatus{ArchiveValid, ArchiveTemporary}

// DoneRecordName is the numeric record every archive writes to flag its status.
const DoneRecordName = "done"

// ArchiveKey identifies the logical archive a row belongs to.
type ArchiveKey struct {
	ArchiveID   string `gorm:"column:archive_id;size:36;not null"`
	IDSite      int    `gorm:"column:id_site;not null"`
	Period      int    `gorm:"column:period;not null"` // period kind rank, day=1 .. range=5
	Date1       string `gorm:"column:date1;size:10;not null"`
	Date2       string `gorm:"column:date2;size:10;not null"`
	PeriodKey   string `gorm:"column:period_key;size:64;not null"`
	SegmentHash string `gorm:"column:segment_hash;size:32;not null;default:''"`
}

// ArchiveRecord is a numeric row of an archive_numeric_YYYY_MM partition.
type ArchiveRecord struct {
	ID         string `gorm:"column:id;primaryKey;size:36"`
	ArchiveKey `gorm:"embedded"`
	Name       string        `gorm:"column:name;size:255;not null"`
	Value      float64       `gorm:"column:value"`
	Status     ArchiveStatus `gorm:"column:status;size:16;not null"`
	TsArchived int64         `gorm:"column:ts_archived;not null"` // unix millis
}

// ArchivedAt returns TsArchived as a time.
func (r *ArchiveRecord) ArchivedAt() time.Time {
	return time.UnixMilli(r.TsArchived).UTC()
}

// BlobRecord is a serialized report row of an archive_blob_YYYY_MM partition.
type BlobRecord struct {
	ID         string `gorm:"column:id;primaryKey;size:36"`
	ArchiveKey `gorm:"embedded"`
	Name       string        `gorm:"column:name;size:255;not null"`
	SubtableID int           `gorm:"column:subtable_id;not null;default:0"`
	Value      []byte        `gorm:"column:value"`
	Status     ArchiveStatus `gorm:"column:status;size:16;not null"`
	TsArchived int64         `gorm:"column:ts_archived;not null"`
}

// ArchivedAt returns TsArchived as a time.
func (r *BlobRecord) ArchivedAt() time.Time {
	return time.UnixMilli(r.TsArchived).UTC()
}
