package scylla

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"phone-auth-service/internal/model"
	"phone-auth-service/internal/util"
)

// ProfileRepository reads profiles through the profiles_by_phone lookup table.
type ProfileRepository struct {
	client *ScyllaClient
}

func NewProfileRepository(client *ScyllaClient) *ProfileRepository {
	return &ProfileRepository{client: client}
}

func (r *ProfileRepository) FindByPhone(ctx context.Context, phone string) (*model.Profile, error) {
	iter := r.client.Query(ctx, r.client.Statements.GetProfileIDsByPhone, phone).Iter()

	var (
		id       gocql.UUID
		verified bool
		chosen   *gocql.UUID
		chosenOK bool
	)
	for iter.Scan(&id, &verified) {
		if chosen == nil || (verified && !chosenOK) {
			picked := id
			chosen = &picked
			chosenOK = verified
		}
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to look up profile by phone", zap.String("phone", util.MaskPhone(phone)), zap.Error(err))
		return nil, fmt.Errorf("failed to look up profile by phone: %w", err)
	}
	if chosen == nil {
		return nil, model.ErrNotFound
	}

	return r.getByID(ctx, *chosen)
}

func (r *ProfileRepository) getByID(ctx context.Context, id gocql.UUID) (*model.Profile, error) {
	var (
		profileID gocql.UUID
		p         model.Profile
	)
	err := r.client.Query(ctx, r.client.Statements.GetProfileByID, id).Scan(
		&profileID, &p.FullName, &p.Email, &p.PhoneNumber, &p.PhoneVerified,
		&p.Role, &p.Status, &p.AvatarURL, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	p.ID = profileID.String()
	return &p, nil
}

// MarkPhoneVerified flips phone_verified on the profile and its lookup row.
// Both updates are conditional so a profile deleted concurrently is not
// recreated as a partial row. Conditional updates cannot share a batch
// across tables, so the lookup row is updated second and a miss there
// is only logged.
func (r *ProfileRepository) MarkPhoneVerified(ctx context.Context, profileID string) error {
	id, err := gocql.ParseUUID(profileID)
	if err != nil {
		return model.ErrNotFound
	}

	p, err := r.getByID(ctx, id)
	if err != nil {
		return err
	}

	applied, err := r.client.Query(ctx, r.client.Statements.MarkProfileVerified, id).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to mark phone verified", zap.String("profile_id", profileID), zap.Error(err))
		return fmt.Errorf("failed to mark phone verified: %w", err)
	}
	if !applied {
		return model.ErrNotFound
	}

	applied, err = r.client.Query(ctx, r.client.Statements.MarkPhoneIndexVerified, p.PhoneNumber, id).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to mark phone index verified", zap.String("profile_id", profileID), zap.Error(err))
		return fmt.Errorf("failed to mark phone index verified: %w", err)
	}
	if !applied {
		util.Warn("Phone lookup row missing for profile",
			zap.String("profile_id", profileID),
			zap.String("phone", util.MaskPhone(p.PhoneNumber)),
		)
	}
	return nil
}

func (r *ProfileRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
