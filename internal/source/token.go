package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
)

// ErrTokenUnavailable — токен репозитория не получен.
var ErrTokenUnavailable = errors.New("repository token unavailable")

// TokenProvider возвращает OAuth токен репозитория по имени секрета.
type TokenProvider interface {
	Token(ctx context.Context, secretName string) (string, error)
}

// StaticToken — один токен для всех секретов (dev).
type StaticToken string

// Token реализует TokenProvider.
func (t StaticToken) Token(context.Context, string) (string, error) {
	return string(t), nil
}

// SecretsManagerAPI — подмножество клиента Secrets Manager.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsTokenProvider читает токен из Secrets Manager.
//
// Значение секрета — строка токена или JSON {"token": "..."}.
type SecretsTokenProvider struct {
	client SecretsManagerAPI
}

// NewSecretsTokenProvider создаёт провайдер с клиентом по default AWS конфигурации.
func NewSecretsTokenProvider(ctx context.Context, region string) (*SecretsTokenProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SecretsTokenProvider{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// NewSecretsTokenProviderWithClient создаёт провайдер с заданным клиентом.
func NewSecretsTokenProviderWithClient(client SecretsManagerAPI) *SecretsTokenProvider {
	return &SecretsTokenProvider{client: client}
}

// Token реализует TokenProvider.
func (p *SecretsTokenProvider) Token(ctx context.Context, secretName string) (string, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%w: %s: %s", ErrTokenUnavailable, secretName, apiErr.ErrorCode())
		}
		return "", fmt.Errorf("%w: %s: %v", ErrTokenUnavailable, secretName, err)
	}

	value := strings.TrimSpace(aws.ToString(out.SecretString))
	if value == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrTokenUnavailable, secretName)
	}

	if strings.HasPrefix(value, "{") {
		var doc struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal([]byte(value), &doc); err == nil && doc.Token != "" {
			return doc.Token, nil
		}
	}
	return value, nil
}
