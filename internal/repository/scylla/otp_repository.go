package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"device-auth-service/internal/bucketing"
	"device-auth-service/internal/models"
	"device-auth-service/internal/repository"
	"device-auth-service/internal/util"
)

// OTPRepository stores one OTP row per user, partitioned by user bucket.
// Every write is a lightweight transaction; verification updates are conditioned
// on the row version.
type OTPRepository struct {
	client    *ScyllaClient
	buckets   *bucketing.BucketingManager
	retention time.Duration
}

func NewOTPRepository(client *ScyllaClient, buckets *bucketing.BucketingManager, retention time.Duration) *OTPRepository {
	return &OTPRepository{
		client:    client,
		buckets:   buckets,
		retention: retention,
	}
}

// ttlSeconds keeps the row for the retention window past expiry. Never below one second.
func (r *OTPRepository) ttlSeconds(expiresAt time.Time) int {
	secs := int((time.Until(expiresAt) + r.retention) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// putAttempts bounds how often PutOTP retries when the row changes between
// its insert and replace steps.
const putAttempts = 3

// PutOTP inserts rec, replacing any record the user already has.
func (r *OTPRepository) PutOTP(ctx context.Context, rec *models.OTPRecord) error {
	bucket := r.buckets.UserBucket(rec.UserID)
	ttl := r.ttlSeconds(rec.ExpiresAt)

	for i := 0; i < putAttempts; i++ {
		applied, existing, err := r.client.CASWithRetry(r.client.Session.Query(r.client.stmts.InsertOTP,
			bucket, rec.UserID, rec.OTP, rec.Email,
			rec.CreatedAt, rec.ExpiresAt, rec.Verified, rec.Attempts, rec.MaxAttempts,
			rec.LastAttemptAt, ttl,
		).WithContext(ctx), 2)
		if err != nil {
			util.Error("Failed to create OTP", util.UserID(rec.UserID), zap.Error(err))
			return fmt.Errorf("failed to create OTP: %w", err)
		}
		if !applied {
			prev, ok := existing["created_at"].(time.Time)
			if !ok {
				continue
			}
			applied, _, err = r.client.CASWithRetry(r.client.Session.Query(r.client.stmts.ReplaceOTP,
				ttl, rec.OTP, rec.Email, rec.CreatedAt, rec.ExpiresAt,
				rec.Verified, rec.Attempts, rec.MaxAttempts, rec.LastAttemptAt,
				bucket, rec.UserID, prev,
			).WithContext(ctx), 2)
			if err != nil {
				util.Error("Failed to replace OTP", util.UserID(rec.UserID), zap.Error(err))
				return fmt.Errorf("failed to replace OTP: %w", err)
			}
		}
		if applied {
			util.Debug("OTP created", util.UserID(rec.UserID), util.Time("expires_at", rec.ExpiresAt))
			return nil
		}
	}
	util.Warn("OTP write kept conflicting", util.UserID(rec.UserID))
	return fmt.Errorf("failed to create OTP: %w", repository.ErrConflict)
}

func (r *OTPRepository) GetOTP(ctx context.Context, userID string) (*models.OTPRecord, error) {
	rec := &models.OTPRecord{}
	err := r.client.Session.Query(r.client.stmts.SelectOTP, r.buckets.UserBucket(userID), userID).
		WithContext(ctx).
		Consistency(gocql.LocalQuorum).
		Scan(&rec.UserID, &rec.OTP, &rec.Email, &rec.CreatedAt, &rec.ExpiresAt,
			&rec.Verified, &rec.Attempts, &rec.MaxAttempts, &rec.LastAttemptAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		util.Error("Failed to get OTP", util.UserID(userID), zap.Error(err))
		return nil, fmt.Errorf("failed to get OTP: %w", err)
	}
	return rec, nil
}

// SwapOTP applies next only if the stored row still matches expect.
// An unapplied transaction, including one on a deleted row, is repository.ErrConflict.
func (r *OTPRepository) SwapOTP(ctx context.Context, next, expect *models.OTPRecord) error {
	existing := map[string]interface{}{}
	applied, err := r.client.Session.Query(r.client.stmts.SwapOTP,
		r.ttlSeconds(next.ExpiresAt),
		next.Verified, next.Attempts, next.LastAttemptAt,
		r.buckets.UserBucket(next.UserID), next.UserID,
		expect.CreatedAt, expect.Attempts, expect.Verified,
	).WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		util.Error("Failed to update OTP", util.UserID(next.UserID), zap.Error(err))
		return fmt.Errorf("failed to update OTP: %w", err)
	}
	if !applied {
		util.Debug("OTP update not applied", util.UserID(next.UserID))
		return repository.ErrConflict
	}
	return nil
}

// DeleteOTP removes the user's record. A missing row is not an error.
func (r *OTPRepository) DeleteOTP(ctx context.Context, userID string) error {
	query := r.client.Session.Query(r.client.stmts.DeleteOTP, r.buckets.UserBucket(userID), userID).WithContext(ctx)
	if _, _, err := r.client.CASWithRetry(query, 2); err != nil {
		util.Error("Failed to delete OTP", util.UserID(userID), zap.Error(err))
		return fmt.Errorf("failed to delete OTP: %w", err)
	}
	return nil
}
