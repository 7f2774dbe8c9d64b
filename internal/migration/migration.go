package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	deltadomain "github.com/smallbiznis/usageledger/internal/delta/domain"
	factsdomain "github.com/smallbiznis/usageledger/internal/facts/domain"
	identitydomain "github.com/smallbiznis/usageledger/internal/identity/domain"
	pipelinedomain "github.com/smallbiznis/usageledger/internal/pipeline/domain"
	"github.com/smallbiznis/usageledger/internal/warehouse"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Models lists every table the engine owns. Non-postgres databases are
// created from these with AutoMigrate.
func Models() []any {
	return []any{
		&identitydomain.IdentityMapping{},
		&warehouse.RawUsageRow{},
		&warehouse.RawCostRow{},
		&warehouse.SnapshotRow{},
		&factsdomain.UsageFact{},
		&factsdomain.CostFact{},
		&deltadomain.LedgerEntry{},
		&pipelinedomain.IngestionRun{},
	}
}

// Run brings the schema up to date. Postgres uses the versioned SQL files;
// mysql and sqlite fall back to AutoMigrate.
func Run(conn *gorm.DB, dbType string) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if strings.EqualFold(strings.TrimSpace(dbType), "postgres") {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	src, err := Source()
	if err != nil {
		return err
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// Source opens the embedded migration files.
func Source() (source.Driver, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	return src, nil
}
