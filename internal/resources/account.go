package resources

import (
	"fmt"

	"github.com/shaiso/Conveyor/internal/config"
)

// AccountConfig — идентификаторы облачного аккаунта.
//
// Все значения приходят из конфигурации процесса.
type AccountConfig struct {
	// AccountID — 12-значный идентификатор аккаунта.
	AccountID string `json:"account_id"`

	// Region — регион ресурсов (например, "eu-west-1").
	Region string `json:"region"`

	// HostedZoneID, ZoneName — существующая hosted zone для публичного домена.
	HostedZoneID string `json:"hosted_zone_id"`
	ZoneName     string `json:"zone_name"`

	// SMSRoleExternalID — external id для роли отправки SMS identity store.
	SMSRoleExternalID string `json:"sms_role_external_id"`
}

// AccountConfigFromEnv читает AccountConfig из переменных окружения.
func AccountConfigFromEnv() AccountConfig {
	return AccountConfig{
		AccountID:         config.String("AWS_ACCOUNT_ID", ""),
		Region:            config.String("AWS_REGION", "eu-west-1"),
		HostedZoneID:      config.String("HOSTED_ZONE_ID", ""),
		ZoneName:          config.String("HOSTED_ZONE_NAME", ""),
		SMSRoleExternalID: config.String("SMS_ROLE_EXTERNAL_ID", ""),
	}
}

// Validate проверяет обязательные поля.
func (a AccountConfig) Validate() error {
	if a.AccountID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidDeclaration)
	}
	if a.Region == "" {
		return fmt.Errorf("%w: region is required", ErrInvalidDeclaration)
	}
	return nil
}

// RegistryURI возвращает URI репозитория образов в аккаунте.
func (a AccountConfig) RegistryURI(name string) string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com/%s", a.AccountID, a.Region, name)
}
