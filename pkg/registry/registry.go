// Package registry reads sites and stored segments from the relational store.
package registry

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/archive-lifecycle/pkg/core"
	"github.com/jdziat/archive-lifecycle/pkg/purge"
)

// Segment is a stored segment archived alongside the all-visits data.
type Segment struct {
	Definition string
	Hash       string
	// IDSite is 0 when the segment applies to every site.
	IDSite int
}

// GormRegistry implements the site and segment lookups of the purger and the
// cron archiver over the sites and segments tables.
type GormRegistry struct {
	db *gorm.DB
}

// NewGormRegistry creates a GormRegistry.
func NewGormRegistry(db *gorm.DB) *GormRegistry {
	return &GormRegistry{db: db}
}

// ActiveSiteIDs lists the ids of sites that are not deleted, ascending.
func (r *GormRegistry) ActiveSiteIDs(ctx context.Context) ([]int, error) {
	var ids []int
	err := r.db.WithContext(ctx).Model(&core.Site{}).
		Where("deleted = ?", false).
		Order("id_site ASC").
		Pluck("id_site", &ids).Error
	if err != nil {
		return nil, core.NewStorageError("list sites", "sites", err)
	}
	return ids, nil
}

// SiteTimezone returns the timezone of a site, UTC when unknown or invalid.
func (r *GormRegistry) SiteTimezone(ctx context.Context, idSite int) (*time.Location, error) {
	var site core.Site
	err := r.db.WithContext(ctx).Where("id_site = ?", idSite).Limit(1).Find(&site).Error
	if err != nil {
		return nil, core.NewStorageError("get site", "sites", err)
	}
	if site.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(site.Timezone)
	if err != nil {
		return time.UTC, nil
	}
	return loc, nil
}

// AutoArchiveSegments lists the live auto-archived segments applying to a site.
// Segments sharing a definition are returned once.
func (r *GormRegistry) AutoArchiveSegments(ctx context.Context, idSite int) ([]Segment, error) {
	var rows []core.Segment
	err := r.db.WithContext(ctx).
		Where("deleted = ? AND auto_archive = ?", false, true).
		Where("id_site = 0 OR id_site = ?", idSite).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, core.NewStorageError("list segments", "segments", err)
	}

	seen := make(map[string]bool, len(rows))
	out := make([]Segment, 0, len(rows))
	for _, row := range rows {
		def := strings.TrimSpace(row.Definition)
		hash := core.SegmentHash(def)
		if hash == "" || seen[hash] {
			continue
		}
		seen[hash] = true
		out = append(out, Segment{Definition: def, Hash: hash, IDSite: row.IDSite})
	}
	return out, nil
}

// DeletedSegments lists deleted segments with their deletion time. A definition
// that was re-created and is live again for the same scope is left out.
func (r *GormRegistry) DeletedSegments(ctx context.Context) ([]purge.DeletedSegment, error) {
	var rows []core.Segment
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, core.NewStorageError("list segments", "segments", err)
	}

	type scope struct {
		hash string
		site int
	}
	live := make(map[scope]bool)
	for _, row := range rows {
		if !row.Deleted {
			live[scope{core.SegmentHash(row.Definition), row.IDSite}] = true
		}
	}

	var out []purge.DeletedSegment
	for _, row := range rows {
		if !row.Deleted {
			continue
		}
		s := scope{core.SegmentHash(row.Definition), row.IDSite}
		if s.hash == "" || live[s] {
			continue
		}
		deletedAt := time.Now()
		if row.DeletedAt != nil {
			deletedAt = *row.DeletedAt
		}
		out = append(out, purge.DeletedSegment{Hash: s.hash, IDSite: s.site, DeletedAt: deletedAt})
	}
	return out, nil
}
