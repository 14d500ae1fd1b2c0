package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/fundis/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/fundis/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/fundis/pkg/marketplace"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	driverPostgres    = "postgres"
	driverSQLite      = "sqlite"
	sqliteScheme      = "sqlite://"
	sqliteMemory      = ":memory:"
	defaultSQLiteFile = "fundis.db"
)

// Database is an open gorm connection plus the dialect it speaks.
type Database struct {
	DB     *gorm.DB
	Driver string
	close  func() error
}

// Close releases the underlying connection pool.
func (database *Database) Close() error {
	return database.close()
}

// OpenDatabase opens a postgres or sqlite database from a URL. Anything that is
// not a postgres URL is treated as a sqlite path.
func OpenDatabase(ctx context.Context, dsn string) (*Database, error) {
	target, err := parseDatabaseURL(dsn)
	if err != nil {
		return nil, err
	}
	if err := target.ensureDir(); err != nil {
		return nil, err
	}

	var dialector gorm.Dialector
	if target.driver == driverPostgres {
		dialector = postgres.Open(target.dsn)
	} else {
		dialector = sqlite.Open(target.dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", target.driver, err)
	}
	return &Database{DB: db.WithContext(ctx), Driver: target.driver, close: sqlDB.Close}, nil
}

// PrepareSchema auto-migrates sqlite databases. Postgres schemas are managed
// outside the daemon unless force is set.
func PrepareSchema(database *Database, force bool) error {
	if database.Driver != driverSQLite && !force {
		return nil
	}
	if err := gormstore.Migrate(database.DB); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// openStore builds the marketplace store for the configured driver. The
// returned cleanup closes any pool opened here.
func openStore(ctx context.Context, cfg Config, database *Database) (marketplace.Store, func(), error) {
	if cfg.StoreDriver != StoreDriverPGX {
		return gormstore.New(database.DB), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgx ping: %w", err)
	}
	return pgstore.New(pool), pool.Close, nil
}

// databaseTarget is a parsed database URL: the dialect and what to hand its
// gorm driver (the URL itself for postgres, a file path for sqlite).
type databaseTarget struct {
	driver string
	dsn    string
}

// parseDatabaseURL accepts postgres:// and postgresql:// URLs, sqlite:// URLs
// and bare sqlite paths. sqlite://data/fundis.db is relative, sqlite:///var/fundis.db absolute.
func parseDatabaseURL(raw string) (databaseTarget, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return databaseTarget{}, errors.New("database url is empty")
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return databaseTarget{driver: driverPostgres, dsn: raw}, nil
	case strings.HasPrefix(raw, sqliteScheme):
		parsed, err := url.Parse(raw)
		if err != nil {
			return databaseTarget{}, fmt.Errorf("parse sqlite url: %w", err)
		}
		file := parsed.Host + parsed.Path
		if file == "" || file == "/" {
			file = defaultSQLiteFile
		}
		return databaseTarget{driver: driverSQLite, dsn: file}, nil
	default:
		return databaseTarget{driver: driverSQLite, dsn: raw}, nil
	}
}

// supportsStore rejects store drivers that cannot run against this database.
func (target databaseTarget) supportsStore(storeDriver string) error {
	switch storeDriver {
	case StoreDriverGorm:
		return nil
	case StoreDriverPGX:
		if target.driver != driverPostgres {
			return fmt.Errorf("store driver %q requires a postgres database url", StoreDriverPGX)
		}
		return nil
	default:
		return fmt.Errorf("store driver %q must be %q or %q", storeDriver, StoreDriverGorm, StoreDriverPGX)
	}
}

// ensureDir creates the directory holding a sqlite file.
func (target databaseTarget) ensureDir() error {
	if target.driver != driverSQLite || target.dsn == sqliteMemory {
		return nil
	}
	directory := filepath.Dir(target.dsn)
	if directory == "." {
		return nil
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return fmt.Errorf("sqlite directory %s: %w", directory, err)
	}
	return nil
}
