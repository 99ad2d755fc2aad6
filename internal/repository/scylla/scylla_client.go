package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"phone-auth-service/internal/config"
	"phone-auth-service/internal/util"
)

// Statements holds the CQL the repositories run. gocql prepares and caches
// each statement on first use per host.
type Statements struct {
	InsertPhoneOTP         string
	ResetPhoneOTP          string
	GetPhoneOTP            string
	SetPhoneOTPAttempts    string
	DeletePhoneOTP         string
	GetProfileByID         string
	GetProfileIDsByPhone   string
	MarkProfileVerified    string
	MarkPhoneIndexVerified string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS phone_otps (
        phone text PRIMARY KEY,
        attempts int,
        last_sent_at timestamp
    )`,
	`CREATE TABLE IF NOT EXISTS profiles (
        id uuid PRIMARY KEY,
        full_name text,
        email text,
        phone_number text,
        phone_verified boolean,
        role text,
        status text,
        avatar_url text,
        created_at timestamp
    )`,
	`CREATE TABLE IF NOT EXISTS profiles_by_phone (
        phone_number text,
        profile_id uuid,
        phone_verified boolean,
        PRIMARY KEY (phone_number, profile_id)
    )`,
}

type ScyllaClient struct {
	Session    *gocql.Session
	config     *config.ScyllaConfig
	Statements Statements
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.UseTLS {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:    session,
		config:     &scyllaConfig,
		Statements: defaultStatements(),
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func defaultStatements() Statements {
	return Statements{
		InsertPhoneOTP: `INSERT INTO phone_otps (phone, attempts, last_sent_at)
        VALUES (?, 0, ?) IF NOT EXISTS`,
		ResetPhoneOTP: `UPDATE phone_otps SET attempts = 0, last_sent_at = ?
        WHERE phone = ? IF last_sent_at <= ?`,
		GetPhoneOTP: `SELECT phone, attempts, last_sent_at FROM phone_otps WHERE phone = ?`,
		SetPhoneOTPAttempts: `UPDATE phone_otps SET attempts = ?
        WHERE phone = ? IF attempts = ?`,
		DeletePhoneOTP: `DELETE FROM phone_otps WHERE phone = ? IF EXISTS`,
		GetProfileByID: `SELECT id, full_name, email, phone_number, phone_verified,
            role, status, avatar_url, created_at
        FROM profiles WHERE id = ?`,
		GetProfileIDsByPhone: `SELECT profile_id, phone_verified FROM profiles_by_phone
        WHERE phone_number = ?`,
		MarkProfileVerified: `UPDATE profiles SET phone_verified = true
        WHERE id = ? IF EXISTS`,
		MarkPhoneIndexVerified: `UPDATE profiles_by_phone SET phone_verified = true
        WHERE phone_number = ? AND profile_id = ? IF EXISTS`,
	}
}

// EnsureSchema creates the service tables inside the configured keyspace.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema ensured", zap.Int("tables", len(schema)))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}
