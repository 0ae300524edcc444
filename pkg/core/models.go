package core

import "time"

// InvalidationStatus is the lifecycle state of a ledger entry.
type InvalidationStatus string

const (
	InvalidationQueued     InvalidationStatus = "queued"
	InvalidationInProgress InvalidationStatus = "in_progress"
)

// InvalidationEntry is a pending instruction to recompute one (site, period, segment).
type InvalidationEntry struct {
	ID          string             `gorm:"primaryKey;size:36"`
	IDSite      int                `gorm:"column:id_site;index:idx_invalidations_site_period;not null"`
	Period      int                `gorm:"column:period;index:idx_invalidations_site_period;not null"`
	Date1       string             `gorm:"column:date1;size:10;index:idx_invalidations_site_period;not null"`
	Date2       string             `gorm:"column:date2;size:10;not null"`
	PeriodKey   string             `gorm:"column:period_key;size:64;not null"`
	Segment     string             `gorm:"column:segment;type:text"`
	SegmentHash string             `gorm:"column:segment_hash;size:32;not null;default:''"`
	CascadeDown bool               `gorm:"column:cascade_down;default:false"`
	Status      InvalidationStatus `gorm:"column:status;size:20;index;not null"`
	// DedupKey is set while queued and cleared once claimed, so a new invalidation
	// arriving during recomputation queues a fresh entry.
	DedupKey  *string    `gorm:"column:dedup_key;size:160;uniqueIndex"`
	CreatedAt time.Time  `gorm:"column:ts_invalidated;not null"`
	StartedAt *time.Time `gorm:"column:ts_started"`
}

// TableName pins the ledger table name.
func (InvalidationEntry) TableName() string { return "archive_invalidations" }

// Option is a persisted key/value setting.
type Option struct {
	Name      string    `gorm:"primaryKey;size:255"`
	Value     string    `gorm:"type:text"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// PurgeWorklistItem marks a partition holding invalidated rows to purge later.
type PurgeWorklistItem struct {
	Partition string    `gorm:"column:partition_id;primaryKey;size:7"` // YYYY_MM
	AddedAt   time.Time `gorm:"autoCreateTime"`
}

// TableName pins the worklist table name.
func (PurgeWorklistItem) TableName() string { return "archive_purge_worklist" }

// RememberedInvalidation is a (site, day) tracked after that day was archived.
type RememberedInvalidation struct {
	IDSite    int       `gorm:"column:id_site;primaryKey"`
	Date      string    `gorm:"column:date;primaryKey;size:10"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// Lock is a database-backed distributed lock row.
type Lock struct {
	Key       string `gorm:"column:lock_key;primaryKey;size:255"`
	Token     string `gorm:"size:36;not null"`
	ExpiresAt int64  `gorm:"index;not null"` // unix millis
}

// TableName pins the lock table name.
func (Lock) TableName() string { return "archive_locks" }

// Site is a tracked website.
type Site struct {
	IDSite    int       `gorm:"column:id_site;primaryKey;autoIncrement"`
	Name      string    `gorm:"size:255"`
	Timezone  string    `gorm:"size:64;default:'UTC'"`
	CreatedAt time.Time `gorm:"column:ts_created;autoCreateTime"`
	Deleted   bool      `gorm:"index;default:false"`
}

// Segment is a persisted visitor filter archived alongside the "all visits" data.
type Segment struct {
	ID          uint       `gorm:"primaryKey"`
	Definition  string     `gorm:"type:text;not null"`
	IDSite      int        `gorm:"column:id_site;index;default:0"` // 0 applies to every site
	AutoArchive bool       `gorm:"not null"`
	Deleted     bool       `gorm:"index;default:false"`
	DeletedAt   *time.Time `gorm:"column:ts_deleted"`
}

// LogVisit is a raw visit row.
type LogVisit struct {
	IDVisit             int64     `gorm:"column:idvisit;primaryKey;autoIncrement"`
	IDSite              int       `gorm:"column:idsite;index;not null"`
	VisitFirstTime      time.Time `gorm:"column:visit_first_action_time;not null"`
	VisitLastActionTime time.Time `gorm:"column:visit_last_action_time;index;not null"`
}

// TableName pins the raw visit table name.
func (LogVisit) TableName() string { return "log_visit" }

// LogLinkVisitAction is a raw action (pageview, event...) of a visit.
type LogLinkVisitAction struct {
	IDLinkVA     int64 `gorm:"column:idlink_va;primaryKey;autoIncrement"`
	IDVisit      int64 `gorm:"column:idvisit;index;not null"`
	IDSite       int   `gorm:"column:idsite;not null"`
	IDActionURL  int64 `gorm:"column:idaction_url"`
	IDActionName int64 `gorm:"column:idaction_name"`
}

// TableName pins the raw action link table name.
func (LogLinkVisitAction) TableName() string { return "log_link_visit_action" }

// LogConversion is a raw goal conversion of a visit.
type LogConversion struct {
	IDVisit int64   `gorm:"column:idvisit;primaryKey"`
	IDGoal  int     `gorm:"column:idgoal;primaryKey"`
	IDSite  int     `gorm:"column:idsite;not null"`
	Revenue float64 `gorm:"column:revenue"`
}

// TableName pins the raw conversion table name.
func (LogConversion) TableName() string { return "log_conversion" }

// LogConversionItem is an ecommerce line of a conversion.
type LogConversionItem struct {
	IDVisit int64  `gorm:"column:idvisit;primaryKey"`
	IDOrder string `gorm:"column:idorder;primaryKey;size:100"`
	SKU     string `gorm:"column:sku;primaryKey;size:255"`
	IDSite  int    `gorm:"column:idsite;not null"`
}

// TableName pins the raw conversion item table name.
func (LogConversionItem) TableName() string { return "log_conversion_item" }

// LogAction is a deduplicated action name or URL.
type LogAction struct {
	IDAction int64  `gorm:"column:idaction;primaryKey;autoIncrement"`
	Name     string `gorm:"column:name;type:text"`
	Type     int    `gorm:"column:type"`
}

// TableName pins the action table name.
func (LogAction) TableName() string { return "log_action" }
