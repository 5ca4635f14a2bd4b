// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"go.uber.org/zap"
)

// secretsClient is the part of the secrets manager client used to read
// the join token.
type secretsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

func newSecretsClient(lazyCfg func() (*aws.Config, error)) func() (secretsClient, error) {
	var manager secretsClient
	return func() (secretsClient, error) {
		if manager != nil {
			return manager, nil
		}
		if lazyCfg == nil {
			return nil, errors.New("no AWS config loader")
		}

		cfg, err := lazyCfg()
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS default config: %w", err)
		}

		manager = secretsmanager.NewFromConfig(*cfg)
		return manager, nil
	}
}

// loadJoinToken returns the token stored in secretID, or token when no
// secret is configured or it cannot be read.
func loadJoinToken(ctx context.Context, lazyManager func() (secretsClient, error), token, secretID string, logger *zap.SugaredLogger) string {
	if secretID == "" {
		return token
	}

	result, err := loadSecret(ctx, lazyManager, secretID)
	if err != nil {
		logger.Warnf("Could not load the join token from AWS Secrets Manager. Is 'METRIC_PROXY_SECRETS_MANAGER_JOIN_TOKEN_ID=%s' correct? Error message: %v", secretID, err)
		return token
	}

	logger.Infof("Using the join token retrieved from AWS Secrets Manager.")
	return result
}

func loadSecret(ctx context.Context, lazyManager func() (secretsClient, error), secretID string) (string, error) {
	input := &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String("AWSCURRENT"),
	}

	manager, err := lazyManager()
	if err != nil {
		return "", fmt.Errorf("failed to create manager: %w", err)
	}

	result, err := manager.GetSecretValue(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve secret value: %w", err)
	}

	if result.SecretString != nil {
		return *result.SecretString, nil
	}

	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(result.SecretBinary)))
	n, err := base64.StdEncoding.Decode(decoded, result.SecretBinary)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 encoded secret: %w", err)
	}

	return string(decoded[:n]), nil
}
