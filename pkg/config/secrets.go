package config

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"os"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretRef points at one credential the proxy needs to reach a MySQL
// destination, such as the health prober's account. Exactly one source must
// be set:
//
//	{"aws_secret_arn": "arn:aws:secretsmanager:...", "key": "password"}
//	{"env_var": "MYLINK_PROBE_PASSWORD"}
//	{"insecure_value": "hunter2"}
type SecretRef struct {
	// AwsSecretArn names an AWS Secrets Manager secret whose value is a
	// JSON document; Key selects the field to use.
	AwsSecretArn string `json:"aws_secret_arn,omitempty"`
	Key          string `json:"key,omitempty"`

	// InsecureValue embeds the credential directly in the config file.
	// Development only.
	InsecureValue string `json:"insecure_value,omitempty"`

	// EnvVar reads the credential from the named environment variable.
	EnvVar string `json:"env_var,omitempty"`
}

// Validate checks that exactly one secret source is configured.
func (r SecretRef) Validate() error {
	set := 0
	for _, s := range []string{r.AwsSecretArn, r.InsecureValue, r.EnvVar} {
		if s != "" {
			set++
		}
	}

	switch {
	case set == 0:
		return errors.New("secret ref must have one of: aws_secret_arn, insecure_value, or env_var")
	case set > 1:
		return errors.New("secret ref must have only one of: aws_secret_arn, insecure_value, or env_var")
	case r.AwsSecretArn != "" && r.Key == "":
		return errors.New("aws_secret_arn requires key to be set")
	}
	return nil
}

// SecretsManagerClient is the slice of the Secrets Manager API the cache
// needs. Tests inject a fake.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretCache resolves SecretRefs, fetching each Secrets Manager document
// at most once per process. Credentials for several destinations usually
// live as separate keys of one document, so the parsed document is cached,
// not the individual values.
type SecretCache struct {
	client SecretsManagerClient

	mu        sync.RWMutex
	documents map[string]map[string]any
}

// NewSecretCache creates a cache backed by the given client.
func NewSecretCache(client SecretsManagerClient) *SecretCache {
	return &SecretCache{
		client:    client,
		documents: make(map[string]map[string]any),
	}
}

// NewSecretCacheFromEnv creates a cache on the ambient AWS credentials
// (environment, shared config, instance role).
func NewSecretCacheFromEnv(ctx context.Context) (*SecretCache, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSecretCache(secretsmanager.NewFromConfig(cfg)), nil
}

// Get resolves ref to its credential value.
func (sc *SecretCache) Get(ctx context.Context, ref SecretRef) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}

	switch {
	case ref.InsecureValue != "":
		return ref.InsecureValue, nil

	case ref.EnvVar != "":
		val, ok := os.LookupEnv(ref.EnvVar)
		if !ok {
			return "", fmt.Errorf("environment variable %q not set", ref.EnvVar)
		}
		return val, nil

	default:
		doc, err := sc.document(ctx, ref.AwsSecretArn)
		if err != nil {
			return "", err
		}
		return stringField(doc, ref.Key)
	}
}

// document returns the parsed secret JSON for arn, fetching it on first use.
func (sc *SecretCache) document(ctx context.Context, arn string) (map[string]any, error) {
	sc.mu.RLock()
	doc, ok := sc.documents[arn]
	sc.mu.RUnlock()
	if ok {
		return doc, nil
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if doc, ok := sc.documents[arn]; ok {
		return doc, nil
	}

	out, err := sc.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", arn, err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", arn)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(*out.SecretString), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse secret %s as JSON: %w", arn, err)
	}

	sc.documents[arn] = parsed
	return parsed, nil
}

func stringField(doc map[string]any, key string) (string, error) {
	val, ok := doc[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in secret", key)
	}
	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("value at key %q is not a string (got %T)", key, val)
	}
	return str, nil
}
