package resources

import (
	"fmt"
	"strings"
)

// Validate проверяет граф целиком.
//
// Проверяет:
//   - AccountConfig
//   - Обязательные поля записей
//   - Ссылки в пределах arena
//   - Домен балансировщика лежит в hosted zone и покрыт сертификатом
//   - Identity store (политики, профили клиентов)
func (g *Graph) Validate() error {
	if err := g.Account.Validate(); err != nil {
		return err
	}

	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidDeclaration, fmt.Sprintf(format, args...))
	}

	for _, n := range g.Networks {
		if n.MaxAZs < 0 {
			return fail("network %s: max_azs must be >= 0", n.Name)
		}
	}

	for _, c := range g.Clusters {
		if int(c.Network) < 0 || int(c.Network) >= len(g.Networks) {
			return fail("cluster %s: network reference out of range", c.Name)
		}
	}

	for _, r := range g.Roles {
		if r.Principal == "" {
			return fail("role %s: principal is required", r.Name)
		}
	}

	for _, td := range g.TaskDefinitions {
		if err := g.validateTaskDefinition(&td); err != nil {
			return err
		}
	}

	for _, c := range g.Certificates {
		if c.Domain == "" {
			return fail("certificate %s: domain is required", c.Name)
		}
		switch c.Validation {
		case ValidationEmail, ValidationDNS:
		default:
			return fail("certificate %s: unknown validation %q", c.Name, c.Validation)
		}
	}

	for _, z := range g.HostedZones {
		if z.ZoneID == "" || z.ZoneName == "" {
			return fail("hosted zone %s: zone id and zone name are required", z.Name)
		}
	}

	for _, s := range g.Services {
		if err := g.validateService(&s); err != nil {
			return err
		}
	}

	for i := range g.IdentityStores {
		if err := g.IdentityStores[i].validate(g); err != nil {
			return err
		}
	}

	return nil
}

func (g *Graph) validateTaskDefinition(td *TaskDefinition) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: task definition %s: %s", ErrInvalidDeclaration, td.Family, fmt.Sprintf(format, args...))
	}

	for _, role := range []RoleID{td.TaskRole, td.ExecutionRole} {
		if role != None && (int(role) < 0 || int(role) >= len(g.Roles)) {
			return fail("role reference out of range")
		}
	}

	if len(td.Containers) == 0 {
		return fail("at least one container is required")
	}

	seen := make(map[string]bool, len(td.Containers))
	for _, c := range td.Containers {
		if c.Name == "" || c.Image == "" {
			return fail("container name and image are required")
		}
		if seen[c.Name] {
			return fail("duplicate container %q", c.Name)
		}
		seen[c.Name] = true
		if c.Port < 0 || c.Port > 65535 {
			return fail("container %s: invalid port %d", c.Name, c.Port)
		}
	}
	return nil
}

func (g *Graph) validateService(s *Service) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: service %s: %s", ErrInvalidDeclaration, s.Name, fmt.Sprintf(format, args...))
	}

	if int(s.Cluster) < 0 || int(s.Cluster) >= len(g.Clusters) {
		return fail("cluster reference out of range")
	}
	if int(s.TaskDefinition) < 0 || int(s.TaskDefinition) >= len(g.TaskDefinitions) {
		return fail("task definition reference out of range")
	}
	if s.DesiredCount < 0 {
		return fail("desired_count must be >= 0")
	}

	lb := s.LoadBalancer
	if lb == nil || lb.DomainName == "" {
		return nil
	}

	if lb.Zone == None {
		return fail("domain %s requires a hosted zone", lb.DomainName)
	}
	zone := g.HostedZone(lb.Zone)
	if !inZone(lb.DomainName, zone.ZoneName) {
		return fail("domain %s is outside zone %s", lb.DomainName, zone.ZoneName)
	}

	if lb.Certificate != None {
		cert := g.Certificate(lb.Certificate)
		if !cert.Covers(lb.DomainName) {
			return fail("certificate %s does not cover %s", cert.Name, lb.DomainName)
		}
	}
	return nil
}

// Covers проверяет, покрывает ли сертификат домен (включая wildcard alt names).
func (c *Certificate) Covers(domain string) bool {
	for _, name := range append([]string{c.Domain}, c.AltNames...) {
		if name == domain {
			return true
		}
		if rest, ok := strings.CutPrefix(name, "*."); ok {
			// wildcard покрывает ровно один уровень
			if i := strings.IndexByte(domain, '.'); i > 0 && domain[i+1:] == rest {
				return true
			}
		}
	}
	return false
}

func inZone(domain, zone string) bool {
	zone = strings.TrimSuffix(zone, ".")
	return domain == zone || strings.HasSuffix(domain, "."+zone)
}
