package config

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"crowdfund/observability/logging"
	"crowdfund/services/marketplace/auth"
	"crowdfund/services/marketplace/models"
)

// OpenDatabase connects using the database section and applies pool limits.
func (cfg Config) OpenDatabase() (*gorm.DB, error) {
	gormLogger := logger.Default.LogMode(logger.Warn)
	if logging.ParseLevel(cfg.Logging.Level) > logging.ParseLevel("warn") {
		gormLogger = logger.Default.LogMode(logger.Silent)
	}
	db, err := models.Open(cfg.Database.Driver, cfg.Database.DSN, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	return db, nil
}

// JWTOptions translates the auth section into verifier options.
func (cfg Config) JWTOptions() auth.JWTOptions {
	roleMap := make(map[string]auth.Role, len(cfg.Auth.RoleMap))
	for external, role := range cfg.Auth.RoleMap {
		roleMap[strings.ToLower(strings.TrimSpace(external))] = auth.Role(strings.ToLower(strings.TrimSpace(role)))
	}
	return auth.JWTOptions{
		Alg:              cfg.Auth.Alg,
		Issuer:           cfg.Auth.Issuer,
		Audience:         cfg.Auth.Audience,
		MaxSkewSeconds:   cfg.Auth.MaxSkewSeconds,
		HSSecretEnv:      cfg.Auth.HSSecretEnv,
		RSAPublicKeyFile: cfg.Auth.RSAPublicKeyFile,
		RoleClaim:        cfg.Auth.RoleClaim,
		RoleMap:          roleMap,
	}
}

// LoggingOptions translates the logging section.
func (cfg Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
}
