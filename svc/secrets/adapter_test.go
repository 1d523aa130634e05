package secrets

import (
	"context"
	"testing"
)

func TestNewAdapterFallsBackWhenVaultUnreachable(t *testing.T) {
	t.Setenv("VAULT_ADDR", "http://127.0.0.1:1")
	t.Setenv("AWS_REGION", "")
	t.Setenv("FALLBACK_SECRET", "from-env")

	a, err := NewAdapter(context.Background())
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	if a.primary != nil {
		t.Error("unreachable vault still installed as primary")
	}
	val, err := a.GetSecret(context.Background(), "FALLBACK_SECRET")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if val != "from-env" {
		t.Errorf("GetSecret() = %q, want env fallback", val)
	}
}

func TestEnvProviderMissingKey(t *testing.T) {
	if _, err := (envProvider{}).GetSecret(context.Background(), "NO_SUCH_SECRET_KEY"); err == nil {
		t.Error("missing env secret did not error")
	}
}
