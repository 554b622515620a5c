package backend

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	// postgres driver registration
	_ "github.com/lib/pq"

	"github.com/sysmetrics/connreg/internal/secret"
)

// SQLBackend covers the database/sql flavors. One instance serves one
// kind; the driver and DSN shape differ, everything else is shared.
type SQLBackend struct {
	kind secret.Kind

	// open is swapped out by tests to hand back a sqlmock connection.
	open func(driver, dsn string) (*sql.DB, error)
}

// NewSQLBackend creates a backend for postgres or mysql.
func NewSQLBackend(kind secret.Kind) *SQLBackend {
	return &SQLBackend{kind: kind, open: sql.Open}
}

// Kind returns the backend kind.
func (b *SQLBackend) Kind() secret.Kind { return b.kind }

// Connect opens a bounded pool against the platform's first database
// and verifies it with a ping. The registry decides retries; a single
// attempt happens here.
func (b *SQLBackend) Connect(ctx context.Context, cfg secret.PlatformConfig, password string) (Conn, error) {
	driver, dsn, err := b.dsn(cfg, password)
	if err != nil {
		return nil, err
	}

	db, err := b.open(driver, dsn)
	if err != nil {
		return nil, sanitize(err, password)
	}

	// Small pool: this is an analytics source registry, not a request
	// path. Recycling keeps long-lived daemons from pinning dead TCP
	// connections after a server restart.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, sanitize(err, password)
	}

	return &sqlConn{
		db:        db,
		password:  password,
		databases: append([]string(nil), cfg.Databases...),
	}, nil
}

func (b *SQLBackend) dsn(cfg secret.PlatformConfig, password string) (driver, dsn string, err error) {
	switch b.kind {
	case secret.KindPostgres:
		sslmode := "disable"
		if cfg.SSL {
			sslmode = "require"
		}
		dsn = fmt.Sprintf("host=%s port=%d user=%s password='%s' dbname=%s sslmode=%s connect_timeout=5",
			cfg.Host, cfg.Port, cfg.User, password, cfg.Databases[0], sslmode)
		return "postgres", dsn, nil

	case secret.KindMySQL:
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = password
		mc.Net = "tcp"
		mc.Addr = cfg.Addr()
		mc.DBName = cfg.Databases[0]
		mc.Timeout = DialTimeout
		if cfg.SSL {
			mc.TLSConfig = "true"
		}
		return "mysql", mc.FormatDSN(), nil

	default:
		return "", "", fmt.Errorf("no SQL dsn for backend kind %q", b.kind)
	}
}

type sqlConn struct {
	db        *sql.DB
	password  string
	databases []string
}

func (c *sqlConn) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	return sanitize(c.db.PingContext(pingCtx), c.password)
}

func (c *sqlConn) Databases() []string {
	return append([]string(nil), c.databases...)
}

func (c *sqlConn) Close() error {
	return c.db.Close()
}
