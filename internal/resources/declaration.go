package resources

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Declaration — YAML форма Resource Declaration.
//
// Ссылки между ресурсами записываются именами и разрешаются в индексы в Load.
type Declaration struct {
	Networks        []NetworkDecl        `yaml:"networks"`
	Clusters        []ClusterDecl        `yaml:"clusters"`
	Registries      []RegistryDecl       `yaml:"registries"`
	Roles           []RoleDecl           `yaml:"roles"`
	TaskDefinitions []TaskDefinitionDecl `yaml:"task_definitions"`
	Certificates    []CertificateDecl    `yaml:"certificates"`
	HostedZones     []HostedZoneDecl     `yaml:"hosted_zones"`
	Services        []ServiceDecl        `yaml:"services"`
	IdentityStores  []IdentityStoreDecl  `yaml:"identity_stores"`
}

type NetworkDecl struct {
	Name   string `yaml:"name"`
	MaxAZs int    `yaml:"max_azs"`
}

type ClusterDecl struct {
	Name    string `yaml:"name"`
	Network string `yaml:"network"`
}

type RegistryDecl struct {
	Name           string `yaml:"name"`
	RetainOnDelete bool   `yaml:"retain_on_delete"`
}

type RoleDecl struct {
	Name      string   `yaml:"name"`
	Principal string   `yaml:"principal"`
	Actions   []string `yaml:"actions"`
}

type ContainerDecl struct {
	Name      string            `yaml:"name"`
	Image     string            `yaml:"image"`
	CPU       int               `yaml:"cpu"`
	MemoryMiB int               `yaml:"memory_mib"`
	Port      int               `yaml:"port"`
	LogPrefix string            `yaml:"log_prefix"`
	Secrets   map[string]string `yaml:"secrets"`
}

type TaskDefinitionDecl struct {
	Family        string          `yaml:"family"`
	TaskRole      string          `yaml:"task_role"`
	ExecutionRole string          `yaml:"execution_role"`
	Containers    []ContainerDecl `yaml:"containers"`
}

type CertificateDecl struct {
	Name       string   `yaml:"name"`
	Domain     string   `yaml:"domain"`
	AltNames   []string `yaml:"alt_names"`
	Validation string   `yaml:"validation"`
}

type HostedZoneDecl struct {
	Name string `yaml:"name"`

	// ZoneID, ZoneName — пусто = AccountConfig.HostedZoneID / ZoneName.
	ZoneID   string `yaml:"zone_id"`
	ZoneName string `yaml:"zone_name"`
}

type LoadBalancerDecl struct {
	Public      bool   `yaml:"public"`
	DomainName  string `yaml:"domain_name"`
	Certificate string `yaml:"certificate"`
	Zone        string `yaml:"zone"`
}

type ServiceDecl struct {
	Name           string            `yaml:"name"`
	Cluster        string            `yaml:"cluster"`
	TaskDefinition string            `yaml:"task_definition"`
	DesiredCount   int               `yaml:"desired_count"`
	CPU            int               `yaml:"cpu"`
	MemoryMiB      int               `yaml:"memory_mib"`
	LoadBalancer   *LoadBalancerDecl `yaml:"load_balancer"`
}

type AttributeDecl struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
	Mutable  bool   `yaml:"mutable"`
}

type CustomAttributeDecl struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Mutable bool   `yaml:"mutable"`
}

type PasswordPolicyDecl struct {
	MinLength                int  `yaml:"min_length"`
	RequireLowercase         bool `yaml:"require_lowercase"`
	RequireUppercase         bool `yaml:"require_uppercase"`
	RequireDigits            bool `yaml:"require_digits"`
	RequireSymbols           bool `yaml:"require_symbols"`
	TempPasswordValidityDays int  `yaml:"temp_password_validity_days"`
}

type MFADecl struct {
	Mode string `yaml:"mode"`
	SMS  bool   `yaml:"sms"`
	OTP  bool   `yaml:"otp"`
}

type ClientDecl struct {
	Name                       string   `yaml:"name"`
	Profile                    string   `yaml:"profile"`
	CallbackURLs               []string `yaml:"callback_urls"`
	PreventUserExistenceErrors bool     `yaml:"prevent_user_existence_errors"`
}

type IdentityStoreDecl struct {
	Name               string                `yaml:"name"`
	Domain             string                `yaml:"domain"`
	SelfSignUp         bool                  `yaml:"self_sign_up"`
	SignInAliases      []string              `yaml:"sign_in_aliases"`
	CaseSensitive      bool                  `yaml:"case_sensitive"`
	StandardAttributes []AttributeDecl       `yaml:"standard_attributes"`
	CustomAttributes   []CustomAttributeDecl `yaml:"custom_attributes"`
	PasswordPolicy     PasswordPolicyDecl    `yaml:"password_policy"`
	MFA                MFADecl               `yaml:"mfa"`
	SMSRole            string                `yaml:"sms_role"`
	CustomMessageHook  string                `yaml:"custom_message_hook"`
	Clients            []ClientDecl          `yaml:"clients"`
}

// LoadFile читает декларацию из файла.
func LoadFile(path string, account AccountConfig) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open declaration: %w", err)
	}
	defer f.Close()

	return Load(f, account)
}

// Load парсит YAML декларацию, разрешает ссылки и проверяет граф.
func Load(r io.Reader, account AccountConfig) (*Graph, error) {
	var decl Declaration
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&decl); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDeclaration, err)
	}

	g, err := decl.Build(account)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// names — таблица имя → индекс для одного вида ресурсов.
type names map[string]int

func index[T any](kind string, items []T, name func(T) string) (names, error) {
	out := make(names, len(items))
	for i, it := range items {
		n := name(it)
		if n == "" {
			return nil, fmt.Errorf("%w: %s %d has empty name", ErrInvalidDeclaration, kind, i)
		}
		if _, dup := out[n]; dup {
			return nil, fmt.Errorf("%w: duplicate %s %q", ErrInvalidDeclaration, kind, n)
		}
		out[n] = i
	}
	return out, nil
}

// resolve возвращает индекс ресурса по имени.
// Пустое имя допустимо только для необязательной ссылки.
func (n names) resolve(kind, name string, optional bool) (int, error) {
	if name == "" {
		if optional {
			return None, nil
		}
		return None, fmt.Errorf("%w: %s reference is required", ErrInvalidDeclaration, kind)
	}
	i, ok := n[name]
	if !ok {
		return None, fmt.Errorf("%w: unknown %s %q", ErrInvalidDeclaration, kind, name)
	}
	return i, nil
}

// Build строит Graph из декларации.
func (d *Declaration) Build(account AccountConfig) (*Graph, error) {
	g := &Graph{Account: account}

	// 1. Таблицы имён для разрешения ссылок
	networks, err := index("network", d.Networks, func(x NetworkDecl) string { return x.Name })
	if err != nil {
		return nil, err
	}
	clusters, err := index("cluster", d.Clusters, func(x ClusterDecl) string { return x.Name })
	if err != nil {
		return nil, err
	}
	if _, err := index("registry", d.Registries, func(x RegistryDecl) string { return x.Name }); err != nil {
		return nil, err
	}
	roles, err := index("role", d.Roles, func(x RoleDecl) string { return x.Name })
	if err != nil {
		return nil, err
	}
	taskDefs, err := index("task definition", d.TaskDefinitions, func(x TaskDefinitionDecl) string { return x.Family })
	if err != nil {
		return nil, err
	}
	certs, err := index("certificate", d.Certificates, func(x CertificateDecl) string { return x.Name })
	if err != nil {
		return nil, err
	}
	zones, err := index("hosted zone", d.HostedZones, func(x HostedZoneDecl) string { return x.Name })
	if err != nil {
		return nil, err
	}
	if _, err := index("service", d.Services, func(x ServiceDecl) string { return x.Name }); err != nil {
		return nil, err
	}
	if _, err := index("identity store", d.IdentityStores, func(x IdentityStoreDecl) string { return x.Name }); err != nil {
		return nil, err
	}

	// 2. Записи без ссылок
	for _, n := range d.Networks {
		g.Networks = append(g.Networks, Network{Name: n.Name, MaxAZs: n.MaxAZs})
	}
	for _, r := range d.Registries {
		g.Registries = append(g.Registries, Registry{Name: r.Name, RetainOnDelete: r.RetainOnDelete})
	}
	for _, r := range d.Roles {
		g.Roles = append(g.Roles, Role{Name: r.Name, Principal: r.Principal, Actions: r.Actions})
	}
	for _, c := range d.Certificates {
		g.Certificates = append(g.Certificates, Certificate{
			Name:       c.Name,
			Domain:     c.Domain,
			AltNames:   c.AltNames,
			Validation: CertificateValidation(c.Validation),
		})
	}
	for _, z := range d.HostedZones {
		zone := HostedZone{Name: z.Name, ZoneID: z.ZoneID, ZoneName: z.ZoneName}
		if zone.ZoneID == "" {
			zone.ZoneID = account.HostedZoneID
		}
		if zone.ZoneName == "" {
			zone.ZoneName = account.ZoneName
		}
		g.HostedZones = append(g.HostedZones, zone)
	}

	// 3. Записи со ссылками
	for _, c := range d.Clusters {
		net, err := networks.resolve("network", c.Network, false)
		if err != nil {
			return nil, fmt.Errorf("cluster %s: %w", c.Name, err)
		}
		g.Clusters = append(g.Clusters, Cluster{Name: c.Name, Network: NetworkID(net)})
	}

	for _, td := range d.TaskDefinitions {
		taskRole, err := roles.resolve("role", td.TaskRole, true)
		if err != nil {
			return nil, fmt.Errorf("task definition %s: %w", td.Family, err)
		}
		execRole, err := roles.resolve("role", td.ExecutionRole, true)
		if err != nil {
			return nil, fmt.Errorf("task definition %s: %w", td.Family, err)
		}
		rec := TaskDefinition{Family: td.Family, TaskRole: RoleID(taskRole), ExecutionRole: RoleID(execRole)}
		for _, c := range td.Containers {
			rec.Containers = append(rec.Containers, Container(c))
		}
		g.TaskDefinitions = append(g.TaskDefinitions, rec)
	}

	for _, s := range d.Services {
		cl, err := clusters.resolve("cluster", s.Cluster, false)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", s.Name, err)
		}
		td, err := taskDefs.resolve("task definition", s.TaskDefinition, false)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", s.Name, err)
		}
		rec := Service{
			Name:           s.Name,
			Cluster:        ClusterID(cl),
			TaskDefinition: TaskDefinitionID(td),
			DesiredCount:   s.DesiredCount,
			CPU:            s.CPU,
			MemoryMiB:      s.MemoryMiB,
		}
		if lb := s.LoadBalancer; lb != nil {
			cert, err := certs.resolve("certificate", lb.Certificate, true)
			if err != nil {
				return nil, fmt.Errorf("service %s: %w", s.Name, err)
			}
			zone, err := zones.resolve("hosted zone", lb.Zone, true)
			if err != nil {
				return nil, fmt.Errorf("service %s: %w", s.Name, err)
			}
			rec.LoadBalancer = &LoadBalancer{
				Public:      lb.Public,
				DomainName:  lb.DomainName,
				Certificate: CertificateID(cert),
				Zone:        HostedZoneID(zone),
			}
		}
		g.Services = append(g.Services, rec)
	}

	for _, is := range d.IdentityStores {
		smsRole, err := roles.resolve("role", is.SMSRole, true)
		if err != nil {
			return nil, fmt.Errorf("identity store %s: %w", is.Name, err)
		}
		rec := IdentityStore{
			Name:              is.Name,
			Domain:            is.Domain,
			SelfSignUp:        is.SelfSignUp,
			SignInAliases:     is.SignInAliases,
			CaseSensitive:     is.CaseSensitive,
			SMSRole:           RoleID(smsRole),
			SMSRoleExternalID: account.SMSRoleExternalID,
			CustomMessageHook: is.CustomMessageHook,
			PasswordPolicy: PasswordPolicy{
				MinLength:            is.PasswordPolicy.MinLength,
				RequireLowercase:     is.PasswordPolicy.RequireLowercase,
				RequireUppercase:     is.PasswordPolicy.RequireUppercase,
				RequireDigits:        is.PasswordPolicy.RequireDigits,
				RequireSymbols:       is.PasswordPolicy.RequireSymbols,
				TempPasswordValidity: time.Duration(is.PasswordPolicy.TempPasswordValidityDays) * 24 * time.Hour,
			},
			MFA: MFA(is.MFA),
		}
		for _, a := range is.StandardAttributes {
			rec.StandardAttributes = append(rec.StandardAttributes, Attribute(a))
		}
		for _, a := range is.CustomAttributes {
			rec.CustomAttributes = append(rec.CustomAttributes, CustomAttribute(a))
		}
		for _, c := range is.Clients {
			rec.Clients = append(rec.Clients, Client{
				Name:                       c.Name,
				Profile:                    ClientProfile(c.Profile),
				CallbackURLs:               c.CallbackURLs,
				PreventUserExistenceErrors: c.PreventUserExistenceErrors,
			})
		}
		rec.applyDefaults()
		g.IdentityStores = append(g.IdentityStores, rec)
	}

	return g, nil
}
