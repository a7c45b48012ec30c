package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"corvus/config"
)

var validDatabaseNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ClickHouse holds the ClickHouse connection shared by all stores.
type ClickHouse struct {
	Conn   driver.Conn
	Config *config.Config
	Logger *zap.SugaredLogger
}

// NewClickHouse opens and verifies a ClickHouse connection and ensures the
// configured database exists. The store is a hard dependency: callers treat
// a failure here as fatal.
func NewClickHouse(cfg *config.Config, logger *zap.SugaredLogger) (*ClickHouse, error) {
	options := &clickhouse.Options{
		Addr: []string{cfg.ClickHouse.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:     cfg.ClickHouse.MaxPoolSize,
		MaxIdleConns:     cfg.ClickHouse.MaxPoolSize / 2,
		ConnMaxLifetime:  1 * time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			d.Timeout = 10 * time.Second
			d.KeepAlive = 30 * time.Second
			return d.DialContext(ctx, "tcp", addr)
		},
	}

	if cfg.ClickHouse.TLS {
		options.TLS = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("Connected to ClickHouse successfully")

	if err := ensureDatabase(ctx, conn, cfg.ClickHouse.Database, logger); err != nil {
		return nil, fmt.Errorf("failed to ensure database exists: %w", err)
	}

	return &ClickHouse{
		Conn:   conn,
		Config: cfg,
		Logger: logger,
	}, nil
}

func validateDatabaseName(database string) error {
	if database == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if len(database) > 64 {
		return fmt.Errorf("database name too long (max 64 characters)")
	}
	if !validDatabaseNameRegex.MatchString(database) {
		return fmt.Errorf("database name contains invalid characters (only alphanumeric and underscore allowed)")
	}
	return nil
}

func ensureDatabase(ctx context.Context, conn driver.Conn, database string, logger *zap.SugaredLogger) error {
	if err := validateDatabaseName(database); err != nil {
		return fmt.Errorf("invalid database name: %w", err)
	}
	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", database)
	if err := conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	logger.Infof("Database '%s' is ready", database)
	return nil
}

// HealthCheck pings the connection.
func (ch *ClickHouse) HealthCheck(ctx context.Context) error {
	return ch.Conn.Ping(ctx)
}

// Close closes the ClickHouse connection.
func (ch *ClickHouse) Close() error {
	return ch.Conn.Close()
}

// CreateTablesIfNotExist creates the rule and alert tables.
//
// alerts_dedup and alerts_agg use ReplacingMergeTree so upserts converge to
// the newest version per key at merge time; readers use FINAL.
func (ch *ClickHouse) CreateTablesIfNotExist(ctx context.Context) error {
	tables := []struct {
		name string
		ddl  string
	}{
		{"corr_rules_stream", `
	CREATE TABLE IF NOT EXISTS corr_rules_stream (
		rule_id String,
		name String,
		description String,
		enabled UInt8,
		severity LowCardinality(String),
		window_s UInt32,
		threshold UInt32,
		expr String,
		entity_field String,
		group_by Array(String),
		updated_at DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY rule_id
	SETTINGS index_granularity = 8192
	`},
		{"corr_rules_batch", `
	CREATE TABLE IF NOT EXISTS corr_rules_batch (
		rule_id String,
		name String,
		description String,
		enabled UInt8,
		interval_s UInt32,
		lookback_s UInt32,
		sql_template String,
		updated_at DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY rule_id
	SETTINGS index_granularity = 8192
	`},
		{"alerts_raw", `
	CREATE TABLE IF NOT EXISTS alerts_raw (
		alert_id String,
		rule_id String,
		rule_name String,
		severity LowCardinality(String),
		ts_first DateTime64(3, 'UTC'),
		ts_last DateTime64(3, 'UTC'),
		window_s UInt32,
		entity_key String,
		hits UInt32,
		source LowCardinality(String),
		context String,
		status LowCardinality(String),
		created_at DateTime64(3, 'UTC'),
		updated_at DateTime64(3, 'UTC'),
		INDEX idx_rule_id rule_id TYPE bloom_filter(0.01) GRANULARITY 1,
		INDEX idx_entity_key entity_key TYPE bloom_filter(0.01) GRANULARITY 1,
		INDEX idx_severity severity TYPE set(0) GRANULARITY 1
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(ts_first)
	ORDER BY (ts_first, rule_id, entity_key)
	TTL toDateTime(ts_first) + INTERVAL 90 DAY
	SETTINGS index_granularity = 8192
	`},
		{"alerts_dedup", `
	CREATE TABLE IF NOT EXISTS alerts_dedup (
		alert_id String,
		rule_id String,
		rule_name String,
		severity LowCardinality(String),
		ts_first DateTime64(3, 'UTC'),
		ts_last DateTime64(3, 'UTC'),
		window_s UInt32,
		entity_key String,
		hits UInt32,
		source LowCardinality(String),
		context String,
		status LowCardinality(String),
		created_at DateTime64(3, 'UTC'),
		updated_at DateTime64(3, 'UTC'),
		INDEX idx_severity severity TYPE set(0) GRANULARITY 1,
		INDEX idx_status status TYPE set(0) GRANULARITY 1
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY (rule_id, entity_key, ts_first, ts_last)
	TTL toDateTime(ts_first) + INTERVAL 90 DAY
	SETTINGS index_granularity = 8192
	`},
		{"alerts_agg", `
	CREATE TABLE IF NOT EXISTS alerts_agg (
		version_id String,
		rule_id String,
		rule_name String,
		group_key String,
		severity LowCardinality(String),
		ts_first DateTime64(3, 'UTC'),
		ts_last DateTime64(3, 'UTC'),
		count_alerts UInt64,
		unique_entities UInt64,
		sample_alerts Array(String),
		status LowCardinality(String),
		updated_at DateTime64(3, 'UTC'),
		INDEX idx_severity severity TYPE set(0) GRANULARITY 1,
		INDEX idx_status status TYPE set(0) GRANULARITY 1
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY (rule_id, group_key)
	SETTINGS index_granularity = 8192
	`},
	}

	for _, t := range tables {
		if err := ch.Conn.Exec(ctx, t.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", t.name, err)
		}
		ch.Logger.Infof("Table '%s' created/verified", t.name)
	}
	return nil
}
