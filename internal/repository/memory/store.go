package memory

import (
	"context"
	"sync"
	"time"

	"phone-auth-service/internal/model"

	"github.com/google/uuid"
)

// PhoneOTPRepository is a map-backed phone_otps table for local runs.
type PhoneOTPRepository struct {
	mu      sync.Mutex
	records map[string]model.PhoneOTPRecord
}

func NewPhoneOTPRepository() *PhoneOTPRepository {
	return &PhoneOTPRepository{records: make(map[string]model.PhoneOTPRecord)}
}

func (r *PhoneOTPRepository) Get(_ context.Context, phone string) (*model.PhoneOTPRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[phone]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &rec, nil
}

func (r *PhoneOTPRepository) ResetIfCooledDown(_ context.Context, phone string, now time.Time, cooldown time.Duration) (*model.PhoneOTPRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[phone]; ok && rec.LastSentAt.After(now.Add(-cooldown)) {
		return &rec, false, nil
	}

	rec := model.PhoneOTPRecord{Phone: phone, Attempts: 0, LastSentAt: now}
	r.records[phone] = rec
	return &rec, true, nil
}

func (r *PhoneOTPRepository) IncrementAttempts(_ context.Context, phone string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[phone]
	if !ok {
		return 0, model.ErrNotFound
	}
	rec.Attempts++
	r.records[phone] = rec
	return rec.Attempts, nil
}

func (r *PhoneOTPRepository) Delete(_ context.Context, phone string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[phone]; !ok {
		return model.ErrNotFound
	}
	delete(r.records, phone)
	return nil
}

func (r *PhoneOTPRepository) HealthCheck(context.Context) error { return nil }

// ProfileRepository is a map-backed profiles table keyed by id.
type ProfileRepository struct {
	mu       sync.RWMutex
	profiles map[string]model.Profile
}

func NewProfileRepository() *ProfileRepository {
	return &ProfileRepository{profiles: make(map[string]model.Profile)}
}

// Save inserts or replaces a profile, assigning an id when empty.
func (r *ProfileRepository) Save(p model.Profile) model.Profile {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	r.profiles[p.ID] = p
	r.mu.Unlock()
	return p
}

// FindByPhone prefers a verified profile when several share the number.
func (r *ProfileRepository) FindByPhone(_ context.Context, phone string) (*model.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *model.Profile
	for _, p := range r.profiles {
		if p.PhoneNumber != phone {
			continue
		}
		p := p
		if found == nil || (p.PhoneVerified && !found.PhoneVerified) {
			found = &p
		}
	}
	if found == nil {
		return nil, model.ErrNotFound
	}
	return found, nil
}

func (r *ProfileRepository) MarkPhoneVerified(_ context.Context, profileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[profileID]
	if !ok {
		return model.ErrNotFound
	}
	p.PhoneVerified = true
	r.profiles[profileID] = p
	return nil
}

func (r *ProfileRepository) HealthCheck(context.Context) error { return nil }
