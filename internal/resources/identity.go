package resources

import (
	"fmt"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// Attribute — стандартный атрибут пользователя identity store.
type Attribute struct {
	Name     string
	Required bool
	Mutable  bool
}

// CustomAttribute — пользовательский атрибут (например, boolean "terms").
type CustomAttribute struct {
	Name    string
	Type    string
	Mutable bool
}

// PasswordPolicy — требования к паролю.
type PasswordPolicy struct {
	MinLength            int
	RequireLowercase     bool
	RequireUppercase     bool
	RequireDigits        bool
	RequireSymbols       bool
	TempPasswordValidity time.Duration
}

// MFA — настройки второго фактора.
type MFA struct {
	// Mode — REQUIRED, OPTIONAL или OFF.
	Mode string
	SMS  bool
	OTP  bool
}

// Значения по умолчанию для identity store.
const (
	DefaultPasswordMinLength    = 8
	DefaultTempPasswordValidity = 7 * 24 * time.Hour
)

// ClientProfile — профиль клиента identity store.
//
// Объявлены два профиля, выбираемых по имени при развёртывании.
type ClientProfile string

const (
	// ProfileConfidential — клиент с секретом, authorization code + implicit grant.
	ProfileConfidential ClientProfile = "confidential"

	// ProfilePublic — клиент без секрета, resource-owner password + custom auth.
	ProfilePublic ClientProfile = "public"
)

// Flows возвращает разрешённые OAuth/auth flows профиля.
func (p ClientProfile) Flows() []string {
	switch p {
	case ProfileConfidential:
		return []string{"authorization_code", "implicit"}
	case ProfilePublic:
		return []string{"user_password", "custom_auth"}
	default:
		return nil
	}
}

// HasSecret сообщает, выдаёт ли профиль client secret.
func (p ClientProfile) HasSecret() bool {
	return p == ProfileConfidential
}

// Client — клиент identity store.
type Client struct {
	Name         string
	Profile      ClientProfile
	CallbackURLs []string

	// PreventUserExistenceErrors — не раскрывать существование пользователя.
	PreventUserExistenceErrors bool
}

// IdentityStore — объявленная форма user pool.
//
// Runtime auth flows (выдача токенов, MFA challenge) не реализуются.
type IdentityStore struct {
	Name       string
	SelfSignUp bool

	// Domain — префикс домена хостинга авторизации.
	Domain string

	SignInAliases      []string
	CaseSensitive      bool
	StandardAttributes []Attribute
	CustomAttributes   []CustomAttribute
	PasswordPolicy     PasswordPolicy
	MFA                MFA

	// SMSRole — роль, от имени которой отправляются SMS.
	SMSRole RoleID

	// SMSRoleExternalID — из AccountConfig.
	SMSRoleExternalID string

	// CustomMessageHook — функция, вызываемая на custom message событиях.
	CustomMessageHook string

	Clients []Client
}

// Client возвращает клиента по имени.
func (s *IdentityStore) Client(name string) (*Client, error) {
	for i := range s.Clients {
		if s.Clients[i].Name == name {
			return &s.Clients[i], nil
		}
	}
	return nil, fmt.Errorf("%w: client %q in identity store %q", ErrUnknownResource, name, s.Name)
}

// TokenURL возвращает token endpoint identity store в регионе.
func (s *IdentityStore) TokenURL(region string) string {
	return fmt.Sprintf("https://%s.auth.%s.amazoncognito.com/oauth2/token", s.Domain, region)
}

// ClientCredentials возвращает конфигурацию client credentials
// для сервиса, который аутентифицируется в identity store.
//
// Доступно только для профиля с секретом.
func (s *IdentityStore) ClientCredentials(region, clientName, clientID, secret string, scopes ...string) (*clientcredentials.Config, error) {
	client, err := s.Client(clientName)
	if err != nil {
		return nil, err
	}
	if !client.Profile.HasSecret() {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNoClientSecret, client.Name, client.Profile)
	}
	if s.Domain == "" {
		return nil, fmt.Errorf("%w: identity store %q has no domain", ErrInvalidDeclaration, s.Name)
	}

	return &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		TokenURL:     s.TokenURL(region),
		Scopes:       scopes,
	}, nil
}

// applyDefaults заполняет значения политики по умолчанию.
func (s *IdentityStore) applyDefaults() {
	if s.PasswordPolicy.MinLength == 0 {
		s.PasswordPolicy.MinLength = DefaultPasswordMinLength
	}
	if s.PasswordPolicy.TempPasswordValidity == 0 {
		s.PasswordPolicy.TempPasswordValidity = DefaultTempPasswordValidity
	}
	if s.MFA.Mode == "" {
		s.MFA.Mode = "OFF"
	}
}

// validate проверяет identity store. g нужен для проверки ссылки SMSRole.
func (s *IdentityStore) validate(g *Graph) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: identity store %q: %s", ErrInvalidDeclaration, s.Name, fmt.Sprintf(format, args...))
	}

	if s.PasswordPolicy.MinLength < 6 || s.PasswordPolicy.MinLength > 99 {
		return fail("password min length %d out of range 6..99", s.PasswordPolicy.MinLength)
	}

	switch s.MFA.Mode {
	case "OFF":
	case "REQUIRED", "OPTIONAL":
		if !s.MFA.SMS && !s.MFA.OTP {
			return fail("mfa %s requires sms or otp second factor", s.MFA.Mode)
		}
	default:
		return fail("unknown mfa mode %q", s.MFA.Mode)
	}

	if s.MFA.SMS {
		if s.SMSRole == None {
			return fail("sms second factor requires sms_role")
		}
		if int(s.SMSRole) >= len(g.Roles) {
			return fail("sms_role out of range")
		}
		if s.SMSRoleExternalID == "" {
			return fail("sms second factor requires an sms role external id")
		}
	}

	seenAttr := make(map[string]bool)
	for _, a := range s.StandardAttributes {
		if seenAttr[a.Name] {
			return fail("duplicate attribute %q", a.Name)
		}
		seenAttr[a.Name] = true
	}
	for _, a := range s.CustomAttributes {
		if a.Type != "boolean" && a.Type != "string" && a.Type != "number" {
			return fail("custom attribute %q has unsupported type %q", a.Name, a.Type)
		}
	}

	seenClient := make(map[string]bool)
	for _, c := range s.Clients {
		if c.Name == "" {
			return fail("client without name")
		}
		if seenClient[c.Name] {
			return fail("duplicate client %q", c.Name)
		}
		seenClient[c.Name] = true

		switch c.Profile {
		case ProfileConfidential:
			if len(c.CallbackURLs) == 0 {
				return fail("client %q: confidential profile requires callback urls", c.Name)
			}
		case ProfilePublic:
		default:
			return fail("client %q: unknown profile %q", c.Name, c.Profile)
		}
	}

	return nil
}
