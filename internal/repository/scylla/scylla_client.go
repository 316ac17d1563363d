package scylla

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"device-auth-service/internal/config"
	"device-auth-service/internal/util"
)

var keyspacePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,47}$`)

// statements holds the CQL used by the repositories, qualified with the keyspace.
// Every write to otp_records is a lightweight transaction so that Paxos orders them.
type statements struct {
	InsertOTP  string
	ReplaceOTP string
	SelectOTP  string
	SwapOTP    string
	DeleteOTP  string
}

type ScyllaClient struct {
	Session  *gocql.Session
	config   *config.ScyllaConfig
	keyspace string
	stmts    statements
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla
	if !keyspacePattern.MatchString(scyllaConfig.Keyspace) {
		return nil, fmt.Errorf("invalid scylla keyspace %q", scyllaConfig.Keyspace)
	}

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.TLSCAFile != "" {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.TLSCAFile,
			CertPath:               scyllaConfig.TLSCertFile,
			KeyPath:                scyllaConfig.TLSKeyFile,
			EnableHostVerification: cfg.IsProduction(),
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
		Session:  session,
		config:   &scyllaConfig,
		keyspace: scyllaConfig.Keyspace,
		stmts:    buildStatements(scyllaConfig.Keyspace),
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func buildStatements(ks string) statements {
	table := ks + ".otp_records"
	return statements{
		InsertOTP: `INSERT INTO ` + table + ` (
			user_bucket, user_id, otp, email, created_at, expires_at,
			verified, attempts, max_attempts, last_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS USING TTL ?`,
		ReplaceOTP: `UPDATE ` + table + ` USING TTL ?
		SET otp = ?, email = ?, created_at = ?, expires_at = ?,
			verified = ?, attempts = ?, max_attempts = ?, last_attempt_at = ?
		WHERE user_bucket = ? AND user_id = ?
		IF created_at = ?`,
		SelectOTP: `SELECT user_id, otp, email, created_at, expires_at,
			verified, attempts, max_attempts, last_attempt_at
		FROM ` + table + ` WHERE user_bucket = ? AND user_id = ?`,
		SwapOTP: `UPDATE ` + table + ` USING TTL ?
		SET verified = ?, attempts = ?, last_attempt_at = ?
		WHERE user_bucket = ? AND user_id = ?
		IF created_at = ? AND attempts = ? AND verified = ?`,
		DeleteOTP: `DELETE FROM ` + table + ` WHERE user_bucket = ? AND user_id = ? IF EXISTS`,
	}
}

// EnsureSchema creates the keyspace and tables if they do not exist.
func (s *ScyllaClient) EnsureSchema(ctx context.Context, replication int) error {
	if replication < 1 {
		replication = 1
	}
	ddl := []string{
		fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s
			WITH replication = {'class': 'NetworkTopologyStrategy', 'replication_factor': %d}`, s.keyspace, replication),
		`CREATE TABLE IF NOT EXISTS ` + s.keyspace + `.otp_records (
			user_bucket int,
			user_id text,
			otp text,
			email text,
			created_at timestamp,
			expires_at timestamp,
			verified boolean,
			attempts int,
			max_attempts int,
			last_attempt_at timestamp,
			PRIMARY KEY ((user_bucket, user_id))
		)`,
	}
	for _, stmt := range ddl {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema ensured", zap.String("keyspace", s.keyspace))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
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

// CASWithRetry runs a lightweight transaction, retrying errors with linear
// backoff. The statement must be safe to repeat. When not applied, the
// returned map holds the current row.
func (s *ScyllaClient) CASWithRetry(query *gocql.Query, maxRetries int) (bool, map[string]interface{}, error) {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		existing := map[string]interface{}{}
		applied, err := query.MapScanCAS(existing)
		if err == nil {
			return applied, existing, nil
		}
		lastErr = err
		if i < maxRetries {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return false, nil, lastErr
}
