package encryption

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"

	"phone-auth-service/internal/config"
)

type fakeKMS struct {
	key       []byte
	generated int
	decrypted int
}

func (f *fakeKMS) GenerateDataKey(context.Context, *kms.GenerateDataKeyInput, ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	f.generated++
	return &kms.GenerateDataKeyOutput{Plaintext: f.key, CiphertextBlob: []byte("wrapped-key")}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.decrypted++
	if string(in.CiphertextBlob) != "wrapped-key" {
		return nil, errors.New("unknown blob")
	}
	return &kms.DecryptOutput{Plaintext: f.key}, nil
}

func TestLocalRoundTrip(t *testing.T) {
	em := NewEncryptionManager(config.KMSConfig{}, nil)
	ctx := context.Background()

	data, err := em.EncryptField(ctx, "+966501234567", "audit_phone")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	if data.KeyID != localKeyID {
		t.Fatalf("KeyID = %q", data.KeyID)
	}

	em.ClearCache()
	got, err := em.DecryptField(ctx, data, "audit_phone")
	if err != nil || got != "+966501234567" {
		t.Fatalf("DecryptField = %q, %v", got, err)
	}
}

func TestPurposeIsBound(t *testing.T) {
	em := NewEncryptionManager(config.KMSConfig{}, nil)
	ctx := context.Background()

	data, err := em.EncryptField(ctx, "+966501234567", "audit_phone")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	if _, err := em.DecryptField(ctx, data, "other"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestKMSDataKeys(t *testing.T) {
	fk := &fakeKMS{key: make([]byte, 32)}
	em := NewEncryptionManager(config.KMSConfig{Enabled: true, KeyID: "alias/otp"}, fk)
	ctx := context.Background()

	data, err := em.EncryptField(ctx, "+966551112233", "audit_phone")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	if data.KeyID != "alias/otp" || fk.generated != 1 {
		t.Fatalf("KeyID = %q generated = %d", data.KeyID, fk.generated)
	}

	em.ClearCache()
	got, err := em.DecryptField(ctx, data, "audit_phone")
	if err != nil || got != "+966551112233" {
		t.Fatalf("DecryptField = %q, %v", got, err)
	}
	if fk.decrypted != 1 {
		t.Fatalf("expected one KMS decrypt, got %d", fk.decrypted)
	}
}

func TestKMSEnabledWithoutClientFallsBack(t *testing.T) {
	em := NewEncryptionManager(config.KMSConfig{Enabled: true, KeyID: "k"}, nil)
	data, err := em.EncryptField(context.Background(), "x", "p")
	if err != nil || data.KeyID != localKeyID {
		t.Fatalf("EncryptField = %+v, %v", data, err)
	}
}
