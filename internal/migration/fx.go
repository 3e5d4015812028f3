package migration

import (
	"fmt"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var portableTypes = strings.NewReplacer(
	"TIMESTAMPTZ", "TIMESTAMP",
	"JSONB", "TEXT",
)

// ApplyPortable executes the embedded DDL with column types every supported dialect accepts.
// It backs sqlite development databases and tests. Postgres goes through RunMigrations.
func ApplyPortable(conn *gorm.DB) error {
	stmts, err := Statements()
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if err := conn.Exec(portableTypes.Replace(stmt)).Error; err != nil {
			return fmt.Errorf("apply %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, log *zap.Logger) error {
		switch conn.Dialector.Name() {
		case "sqlite":
			log.Info("applying portable schema", zap.String("dialect", "sqlite"))
			return ApplyPortable(conn)
		case "postgres":
		default:
			log.Warn("schema migrations skipped; provision the schema out of band",
				zap.String("dialect", conn.Dialector.Name()))
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
