package resources

import (
	"fmt"
	"sort"
)

// None — отсутствующая необязательная ссылка.
const None = -1

// Индексы записей в соответствующих срезах Graph.
type (
	NetworkID        int
	ClusterID        int
	RegistryID       int
	RoleID           int
	TaskDefinitionID int
	CertificateID    int
	HostedZoneID     int
	ServiceID        int
	IdentityStoreID  int
)

// Network — сеть (VPC), в которой работает кластер.
type Network struct {
	Name   string
	MaxAZs int
}

// Cluster — кластер контейнеров.
type Cluster struct {
	Name    string
	Network NetworkID
}

// Registry — репозиторий образов.
type Registry struct {
	Name string

	// RetainOnDelete — не удалять репозиторий вместе со стеком.
	RetainOnDelete bool
}

// Role — роль, которую принимает сервис (принципал).
type Role struct {
	Name      string
	Principal string
	Actions   []string
}

// Container — контейнер task definition.
type Container struct {
	Name      string
	Image     string
	CPU       int
	MemoryMiB int
	Port      int
	LogPrefix string

	// Secrets — переменная окружения → имя секрета.
	Secrets map[string]string
}

// TaskDefinition — начальное описание контейнеров сервиса.
type TaskDefinition struct {
	Family        string
	TaskRole      RoleID
	ExecutionRole RoleID
	Containers    []Container
}

// CertificateValidation — способ подтверждения владения доменом.
type CertificateValidation string

const (
	ValidationEmail CertificateValidation = "email"
	ValidationDNS   CertificateValidation = "dns"
)

// Certificate — TLS сертификат публичного домена.
type Certificate struct {
	Name       string
	Domain     string
	AltNames   []string
	Validation CertificateValidation
}

// HostedZone — DNS зона для публичного домена.
type HostedZone struct {
	Name     string
	ZoneID   string
	ZoneName string
}

// LoadBalancer — балансировщик перед сервисом.
type LoadBalancer struct {
	Public      bool
	DomainName  string
	Certificate CertificateID
	Zone        HostedZoneID
}

// Service — сервис, обновляемый Deploy action.
type Service struct {
	Name           string
	Cluster        ClusterID
	TaskDefinition TaskDefinitionID
	DesiredCount   int
	CPU            int
	MemoryMiB      int
	LoadBalancer   *LoadBalancer
}

// Graph — arena записей Resource Declaration.
type Graph struct {
	Account AccountConfig

	Networks        []Network
	Clusters        []Cluster
	Registries      []Registry
	Roles           []Role
	TaskDefinitions []TaskDefinition
	Certificates    []Certificate
	HostedZones     []HostedZone
	Services        []Service
	IdentityStores  []IdentityStore
}

// Network возвращает запись по индексу.
func (g *Graph) Network(id NetworkID) *Network { return &g.Networks[id] }

// Cluster возвращает запись по индексу.
func (g *Graph) Cluster(id ClusterID) *Cluster { return &g.Clusters[id] }

// Role возвращает запись по индексу.
func (g *Graph) Role(id RoleID) *Role { return &g.Roles[id] }

// TaskDefinition возвращает запись по индексу.
func (g *Graph) TaskDefinition(id TaskDefinitionID) *TaskDefinition { return &g.TaskDefinitions[id] }

// Certificate возвращает запись по индексу.
func (g *Graph) Certificate(id CertificateID) *Certificate { return &g.Certificates[id] }

// HostedZone возвращает запись по индексу.
func (g *Graph) HostedZone(id HostedZoneID) *HostedZone { return &g.HostedZones[id] }

// ServicesOf возвращает сервисы кластера.
//
// Обратные ссылки не хранятся: кластер не знает о своих сервисах.
func (g *Graph) ServicesOf(id ClusterID) []ServiceID {
	var out []ServiceID
	for i, s := range g.Services {
		if s.Cluster == id {
			out = append(out, ServiceID(i))
		}
	}
	return out
}

// RegistryURI возвращает URI репозитория образов.
func (g *Graph) RegistryURI(id RegistryID) string {
	return g.Account.RegistryURI(g.Registries[id].Name)
}

// ServiceIdentifier возвращает идентификатор сервиса "cluster/service".
func (g *Graph) ServiceIdentifier(id ServiceID) string {
	s := g.Services[id]
	return g.Clusters[s.Cluster].Name + "/" + s.Name
}

// FindService ищет сервис по имени.
func (g *Graph) FindService(name string) (ServiceID, error) {
	for i, s := range g.Services {
		if s.Name == name {
			return ServiceID(i), nil
		}
	}
	return None, fmt.Errorf("%w: service %q", ErrUnknownResource, name)
}

// FindIdentityStore ищет identity store по имени.
func (g *Graph) FindIdentityStore(name string) (*IdentityStore, error) {
	for i := range g.IdentityStores {
		if g.IdentityStores[i].Name == name {
			return &g.IdentityStores[i], nil
		}
	}
	return nil, fmt.Errorf("%w: identity store %q", ErrUnknownResource, name)
}

// Outputs возвращает идентификаторы, доступные action как {{ .Resources.<Key> }}.
//
// Ключи с пространством имён ("registry.<name>.uri", "service.<name>.id", ...)
// выдаются для каждого ресурса. Короткие ключи RegistryURI, ClusterName,
// ServiceID, ServiceDomain указывают на первый объявленный ресурс своего вида.
func (g *Graph) Outputs() map[string]string {
	out := make(map[string]string)

	out["AccountID"] = g.Account.AccountID
	out["Region"] = g.Account.Region

	for i, r := range g.Registries {
		uri := g.RegistryURI(RegistryID(i))
		out["registry."+r.Name+".uri"] = uri
		if i == 0 {
			out["RegistryURI"] = uri
		}
	}

	for i, c := range g.Clusters {
		out["cluster."+c.Name+".name"] = c.Name
		if i == 0 {
			out["ClusterName"] = c.Name
		}
	}

	for i, s := range g.Services {
		id := g.ServiceIdentifier(ServiceID(i))
		out["service."+s.Name+".id"] = id
		if i == 0 {
			out["ServiceID"] = id
		}
		if s.LoadBalancer != nil && s.LoadBalancer.DomainName != "" {
			out["service."+s.Name+".domain"] = s.LoadBalancer.DomainName
			if i == 0 {
				out["ServiceDomain"] = s.LoadBalancer.DomainName
			}
		}
	}

	for _, is := range g.IdentityStores {
		out["identity."+is.Name+".name"] = is.Name
	}

	return out
}

// OutputKeys возвращает отсортированные ключи Outputs.
func OutputKeys(outputs map[string]string) []string {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
