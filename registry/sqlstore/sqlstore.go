// Package sqlstore is a registry.Registry backed by a SQL database through
// gorm. SQLite and PostgreSQL are supported.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/meigma/pkgcache/codec"
	"github.com/meigma/pkgcache/registry"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// queryBatchSize bounds how many rows Query holds in memory at once.
const queryBatchSize = 500

type packageRow struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	ParentID  int64 `gorm:"index"`
	Name      string
	Location  string `gorm:"index"`
	Kind      string
	Version   string
	SizeBytes int64
	Pinned    bool
	State     int
	ForeignID string
	Publisher string
	Category  string
	IndexedAt time.Time
}

func (packageRow) TableName() string { return "packages" }

type fileRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	PackageID int64  `gorm:"index"`
	Path      string `gorm:"index"`
	Size      int64
	Digest    string
	GUID      string `gorm:"column:guid"`
}

func (fileRow) TableName() string { return "package_files" }

// Store implements registry.Registry on a gorm database.
type Store struct {
	db *gorm.DB
}

var _ registry.Registry = (*Store)(nil)

// Open connects to the database and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&packageRow{}, &fileRow{}); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Find(ctx context.Context, id int64) (*registry.Package, error) {
	var row packageRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, notFound(err, "package %d", id)
	}
	return row.toPackage(), nil
}

func (s *Store) FindByLocation(ctx context.Context, location string) (*registry.Package, error) {
	var row packageRow
	err := s.db.WithContext(ctx).
		Where("location = ?", location).
		Order("id ASC").
		First(&row).Error
	if err != nil {
		return nil, notFound(err, "package at %q", location)
	}
	return row.toPackage(), nil
}

func (s *Store) Query(ctx context.Context, match func(*registry.Package) bool) ([]*registry.Package, error) {
	out := make([]*registry.Package, 0)
	var rows []packageRow
	err := s.db.WithContext(ctx).
		FindInBatches(&rows, queryBatchSize, func(_ *gorm.DB, _ int) error {
			for i := range rows {
				p := rows[i].toPackage()
				if match == nil || match(p) {
					out = append(out, rows[i].toPackage())
				}
			}
			return ctx.Err()
		}).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Children(ctx context.Context, parentID int64) ([]*registry.Package, error) {
	var rows []packageRow
	err := s.db.WithContext(ctx).
		Where("parent_id = ? AND id <> ?", parentID, parentID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*registry.Package, len(rows))
	for i := range rows {
		out[i] = rows[i].toPackage()
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, pkg *registry.Package) error {
	row := fromPackage(pkg)
	row.ID = 0
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	pkg.ID = row.ID
	return nil
}

func (s *Store) Update(ctx context.Context, pkg *registry.Package) error {
	row := fromPackage(pkg)
	res := s.db.WithContext(ctx).
		Model(&packageRow{}).
		Where("id = ?", pkg.ID).
		Select("*").
		Updates(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("package %d: %w", pkg.ID, registry.ErrNotFound)
	}
	return nil
}

func (s *Store) SetState(ctx context.Context, id int64, state registry.State) error {
	return s.exec(ctx, id, "UPDATE packages SET state = ? WHERE id = ?", int(state), id)
}

func (s *Store) MarkIndexed(ctx context.Context, id int64, at time.Time) error {
	return s.exec(ctx, id, "UPDATE packages SET state = ?, indexed_at = ? WHERE id = ?",
		int(registry.StateDone), at, id)
}

// exec runs a single-row raw UPDATE on package id.
func (s *Store) exec(ctx context.Context, id int64, query string, args ...any) error {
	res := s.db.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("package %d: %w", id, registry.ErrNotFound)
	}
	return nil
}

func (s *Store) ClearLocation(ctx context.Context, id int64) error {
	return s.exec(ctx, id, "UPDATE packages SET location = ? WHERE id = ?", "", id)
}

func (s *Store) Files(ctx context.Context, packageID int64) ([]*registry.PackageFile, error) {
	var rows []fileRow
	err := s.db.WithContext(ctx).
		Where("package_id = ?", packageID).
		Order("path ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*registry.PackageFile, len(rows))
	for i := range rows {
		out[i] = rows[i].toFile()
	}
	return out, nil
}

func (s *Store) ReplaceFiles(ctx context.Context, packageID int64, files []*registry.PackageFile) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&packageRow{}).Where("id = ?", packageID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("package %d: %w", packageID, registry.ErrNotFound)
		}
		if err := tx.Where("package_id = ?", packageID).Delete(&fileRow{}).Error; err != nil {
			return err
		}
		if len(files) == 0 {
			return nil
		}
		rows := make([]fileRow, len(files))
		for i, f := range files {
			rows[i] = fromFile(f)
			rows[i].ID = 0
			rows[i].PackageID = packageID
		}
		if err := tx.CreateInBatches(&rows, queryBatchSize).Error; err != nil {
			return err
		}
		for i := range rows {
			files[i].ID = rows[i].ID
			files[i].PackageID = packageID
		}
		return nil
	})
}

func (s *Store) RemoveFile(ctx context.Context, fileID int64) error {
	res := s.db.WithContext(ctx).Delete(&fileRow{}, fileID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("file %d: %w", fileID, registry.ErrNotFound)
	}
	return nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, registry.ErrNotFound)...)
	}
	return err
}

func (r *packageRow) toPackage() *registry.Package {
	return &registry.Package{
		ID:        r.ID,
		ParentID:  r.ParentID,
		Name:      r.Name,
		Location:  r.Location,
		Kind:      codec.Kind(r.Kind),
		Version:   r.Version,
		SizeBytes: r.SizeBytes,
		Pinned:    r.Pinned,
		State:     registry.State(r.State),
		ForeignID: r.ForeignID,
		Publisher: r.Publisher,
		Category:  r.Category,
		IndexedAt: r.IndexedAt,
	}
}

func fromPackage(p *registry.Package) packageRow {
	return packageRow{
		ID:        p.ID,
		ParentID:  p.ParentID,
		Name:      p.Name,
		Location:  p.Location,
		Kind:      string(p.Kind),
		Version:   p.Version,
		SizeBytes: p.SizeBytes,
		Pinned:    p.Pinned,
		State:     int(p.State),
		ForeignID: p.ForeignID,
		Publisher: p.Publisher,
		Category:  p.Category,
		IndexedAt: p.IndexedAt,
	}
}

func (r *fileRow) toFile() *registry.PackageFile {
	return &registry.PackageFile{
		ID:        r.ID,
		PackageID: r.PackageID,
		Path:      r.Path,
		Size:      r.Size,
		Digest:    digest.Digest(r.Digest),
		GUID:      r.GUID,
	}
}

func fromFile(f *registry.PackageFile) fileRow {
	return fileRow{
		ID:        f.ID,
		PackageID: f.PackageID,
		Path:      f.Path,
		Size:      f.Size,
		Digest:    f.Digest.String(),
		GUID:      f.GUID,
	}
}
