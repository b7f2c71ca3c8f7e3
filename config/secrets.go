// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsSource resolves a secret identifier to a credential map.
type SecretsSource interface {
	GetSecret(ctx context.Context, secretARN string) (map[string]string, error)
}

// secretsAPI is the subset of the Secrets Manager client used here
// (enables testing).
type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager implements SecretsSource using AWS Secrets Manager
type AWSSecretsManager struct {
	client secretsAPI
	cache  map[string]*secretCacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	logger *log.Logger
}

type secretCacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// AWSSecretsManagerOptions holds options for creating an AWSSecretsManager
type AWSSecretsManagerOptions struct {
	Region   string
	CacheTTL time.Duration
	Logger   *log.Logger

	// client overrides the AWS client, used by tests
	client secretsAPI
}

// NewAWSSecretsManager creates a new AWS Secrets Manager client
func NewAWSSecretsManager(ctx context.Context, opts AWSSecretsManagerOptions) (*AWSSecretsManager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[SECRETS_MANAGER] ", log.LstdFlags)
	}

	client := opts.client
	if client == nil {
		cfgOpts := []func(*awsconfig.LoadOptions) error{}
		if opts.Region != "" {
			cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
		}

		cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		client = secretsmanager.NewFromConfig(cfg)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute // Cache secrets for 5 minutes by default
	}

	return &AWSSecretsManager{
		client: client,
		cache:  make(map[string]*secretCacheEntry),
		ttl:    ttl,
		logger: logger,
	}, nil
}

// GetSecret retrieves a secret from AWS Secrets Manager
// The secret value is expected to be a JSON object with string values
func (s *AWSSecretsManager) GetSecret(ctx context.Context, secretARN string) (map[string]string, error) {
	s.mu.RLock()
	entry, exists := s.cache[secretARN]
	s.mu.RUnlock()

	if exists && time.Now().Before(entry.expiresAt) {
		s.logger.Printf("Cache hit for secret %s", maskARN(secretARN))
		return entry.value, nil
	}

	s.logger.Printf("Fetching secret %s from AWS Secrets Manager", maskARN(secretARN))

	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	}

	result, err := s.client.GetSecretValue(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskARN(secretARN), err)
	}

	var secretValue string
	if result.SecretString != nil {
		secretValue = *result.SecretString
	} else {
		return nil, fmt.Errorf("secret %s has no string value", maskARN(secretARN))
	}

	// Parse JSON secret
	var credentials map[string]string
	if err := json.Unmarshal([]byte(secretValue), &credentials); err != nil {
		// Handles secrets that are just a single API key
		credentials = map[string]string{
			"value": secretValue,
		}
	}

	s.mu.Lock()
	s.cache[secretARN] = &secretCacheEntry{
		value:     credentials,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()

	s.logger.Printf("Successfully retrieved and cached secret %s", maskARN(secretARN))
	return credentials, nil
}

// InvalidateSecret removes a secret from the cache
func (s *AWSSecretsManager) InvalidateSecret(secretARN string) {
	s.mu.Lock()
	delete(s.cache, secretARN)
	s.mu.Unlock()
	s.logger.Printf("Invalidated cache for secret %s", maskARN(secretARN))
}

// InvalidateAll clears the entire secret cache
func (s *AWSSecretsManager) InvalidateAll() {
	s.mu.Lock()
	s.cache = make(map[string]*secretCacheEntry)
	s.mu.Unlock()
	s.logger.Println("Invalidated all cached secrets")
}

// maskARN masks the secret ARN for logging (shows only last 8 characters)
func maskARN(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}

// LocalSecretsManager implements SecretsSource from an in-memory map.
// Useful for development and tests without AWS Secrets Manager.
type LocalSecretsManager struct {
	secrets map[string]map[string]string
	mu      sync.RWMutex
	logger  *log.Logger
}

// NewLocalSecretsManager creates a local secrets manager for development
func NewLocalSecretsManager(logger *log.Logger) *LocalSecretsManager {
	if logger == nil {
		logger = log.New(os.Stdout, "[LOCAL_SECRETS] ", log.LstdFlags)
	}
	return &LocalSecretsManager{
		secrets: make(map[string]map[string]string),
		logger:  logger,
	}
}

// GetSecret retrieves a secret from local storage
func (s *LocalSecretsManager) GetSecret(ctx context.Context, secretARN string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if secret, exists := s.secrets[secretARN]; exists {
		return secret, nil
	}

	return nil, fmt.Errorf("secret %s not found in local secrets manager", secretARN)
}

// SetSecret stores a secret locally (for testing/development)
func (s *LocalSecretsManager) SetSecret(secretARN string, value map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[secretARN] = value
	s.logger.Printf("Set local secret %s", maskARN(secretARN))
}
