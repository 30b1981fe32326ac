package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/omarrayhanuddin/spineai-backend/internal/config"
	"github.com/omarrayhanuddin/spineai-backend/internal/infra/logger"
)

func main() {
	cfgPath := os.Getenv("APP_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = log.Sync()
	}()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	m, err := migrate.New("file://migrations", migrateDSN(cfg.Postgres.DSN))
	if err != nil {
		log.Fatal("init migrations", zap.Error(err))
	}
	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			log.Warn("close migration resources",
				zap.NamedError("source", sourceErr),
				zap.NamedError("database", dbErr))
		}
	}()

	switch os.Args[1] {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal("apply migrations", zap.Error(err))
		}
		log.Info("migrations up to date")

	case "down":
		if err := m.Steps(-1); err != nil {
			log.Fatal("roll back migration", zap.Error(err))
		}
		log.Info("rolled back one migration")

	case "goto":
		if len(os.Args) < 3 {
			log.Fatal("goto requires a version number")
		}
		version, err := strconv.ParseUint(os.Args[2], 10, 64)
		if err != nil {
			log.Fatal("invalid version number", zap.Error(err))
		}
		if err := m.Migrate(uint(version)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal("migrate to version", zap.Uint64("version", version), zap.Error(err))
		}
		log.Info("migrated", zap.Uint64("version", version))

	case "status":
		version, dirty, err := m.Version()
		if err != nil {
			if errors.Is(err, migrate.ErrNilVersion) {
				log.Info("no migrations applied yet")
				return
			}
			log.Fatal("read migration version", zap.Error(err))
		}
		log.Info("migration status", zap.Uint("version", version), zap.Bool("dirty", dirty))

	default:
		printUsage()
		os.Exit(1)
	}
}

// migrateDSN rewrites the pool DSN scheme for the migrate pgx driver.
func migrateDSN(dsn string) string {
	const prefix = "postgres://"
	if len(dsn) >= len(prefix) && dsn[:len(prefix)] == prefix {
		return "pgx5://" + dsn[len(prefix):]
	}
	return dsn
}

func printUsage() {
	fmt.Println("usage: migrate [command]")
	fmt.Println("commands:")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  goto N - migrate to version N")
	fmt.Println("  status - print the current migration version")
}
