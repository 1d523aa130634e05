package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"bindrop/svc/util"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
)

var ErrProviderUnavailable = errors.New("secrets provider unavailable")

// Provider resolves a named secret. Resolution happens once at startup;
// callers hold the plain values in cfg.Secret afterwards.
type Provider interface {
	GetSecret(ctx context.Context, key string) (value string, err error)
}

type Adapter struct {
	primary  Provider
	fallback Provider
}

// NewAdapter builds the provider chain: Vault when VAULT_ADDR is set,
// AWS Secrets Manager when AWS_REGION is set, plain environment
// variables last. A configured primary that fails to initialize is
// logged and skipped so the degradation to env is never silent.
func NewAdapter(ctx context.Context) (*Adapter, error) {
	var primary Provider
	if vaultAddr := os.Getenv("VAULT_ADDR"); vaultAddr != "" {
		vp, err := newVaultProvider(ctx)
		if err != nil {
			util.Warn().Err(err).Str("addr", vaultAddr).Msg("vault provider init failed, falling back")
		} else {
			primary = vp
		}
	}
	if primary == nil {
		if awsRegion := os.Getenv("AWS_REGION"); awsRegion != "" {
			ap, err := newAWSProvider(ctx)
			if err != nil {
				util.Warn().Err(err).Str("region", awsRegion).Msg("secrets manager init failed, falling back")
			} else {
				primary = ap
			}
		}
	}
	return &Adapter{primary: primary, fallback: envProvider{}}, nil
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

type vaultProvider struct {
	client     *vault.Client
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err = client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return &vaultProvider{
		client:     client,
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/bindrop"),
	}, nil
}

func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	path := fmt.Sprintf("%s/%s", v.secretPath, key)
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	smClient *secretsmanager.Client
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(os.Getenv("AWS_REGION")),
	)
	if err != nil {
		return nil, err
	}
	return &awsProvider{smClient: secretsmanager.NewFromConfig(cfg)}, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	result, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", key, err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

type envProvider struct{}

func (envProvider) GetSecret(ctx context.Context, key string) (string, error) {
	val, exists := os.LookupEnv(key)
	if !exists {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	return val, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
