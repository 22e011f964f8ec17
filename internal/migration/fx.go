package migration

import (
	"github.com/smallbiznis/billingsync/internal/config"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Module applies startup migrations. SQL migrations are postgres-only;
// other dialects (sqlite in tests) migrate via gorm AutoMigrate instead.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			return nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
