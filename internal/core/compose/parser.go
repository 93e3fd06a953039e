package compose

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// Extension keys read from service definitions.
const (
	ExtensionBackups   = "x-backups"
	ExtensionRoutePort = "x-route-port"
)

// =============================================================================
// Parser Functions
// =============================================================================

// Parse parses a Docker Compose document into a ParsedSpec.
// Variables are used for ${VAR} interpolation; nothing is read from the
// process environment or the filesystem.
func Parse(content string, variables map[string]string) (*ParsedSpec, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyInput
	}

	project, err := load(content, variables)
	if err != nil {
		return nil, err
	}

	if err := checkUnsupportedFeatures(project); err != nil {
		return nil, err
	}

	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	spec := &ParsedSpec{
		Services: make([]Service, 0, len(project.Services)),
	}

	for _, svc := range project.Services {
		converted, err := convertService(svc)
		if err != nil {
			return nil, err
		}
		spec.Services = append(spec.Services, converted)
	}
	sort.Slice(spec.Services, func(i, j int) bool {
		return spec.Services[i].Name < spec.Services[j].Name
	})

	if err := detectCircularDependencies(spec.Services); err != nil {
		return nil, err
	}

	if err := validatePorts(spec.Services); err != nil {
		return nil, err
	}

	for name := range project.Volumes {
		spec.Volumes = append(spec.Volumes, name)
	}
	sort.Strings(spec.Volumes)

	return spec, nil
}

func load(content string, variables map[string]string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(content), &dict); err != nil || dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	env := types.Mapping{}
	for k, v := range variables {
		env[k] = v
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{{Content: []byte(content), Config: dict}},
		Environment: env,
	}, func(opts *loader.Options) {
		opts.SetProjectName("shipyard", false)
		opts.SkipNormalization = true
		opts.SkipExtends = true
		opts.SkipResolveEnvironment = true
	})
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "dependency cycle detected") {
			return nil, NewParseError("", "circular dependency detected", ErrCircularDependency)
		}
		if strings.Contains(msg, "image") && strings.Contains(msg, "build") {
			return nil, NewParseError("", "service must have an image", ErrServiceNoImage)
		}
		return nil, NewParseError("", msg, ErrInvalidYAML)
	}
	return project, nil
}

func checkUnsupportedFeatures(project *types.Project) error {
	if len(project.Secrets) > 0 {
		return NewParseError("secrets", "secrets are not supported", ErrUnsupportedFeature)
	}
	if len(project.Configs) > 0 {
		return NewParseError("configs", "configs are not supported", ErrUnsupportedFeature)
	}
	for _, svc := range project.Services {
		if svc.Build != nil {
			return NewParseError("services."+svc.Name+".build", "building images is not supported", ErrUnsupportedFeature)
		}
		if svc.Extends != nil && svc.Extends.File != "" {
			return NewParseError("services."+svc.Name+".extends", "extends is not supported", ErrUnsupportedFeature)
		}
	}
	return nil
}

func convertService(svc types.ServiceConfig) (Service, error) {
	field := "services." + svc.Name
	service := Service{
		Name:        svc.Name,
		Image:       svc.Image,
		Command:     svc.Command,
		Environment: make(map[string]string),
		Labels:      make(map[string]string),
		Restart:     svc.Restart,
	}

	if service.Image == "" {
		return Service{}, NewParseError(field, "service must have an image", ErrServiceNoImage)
	}

	for i, p := range svc.Ports {
		var published uint32
		if p.Published != "" {
			pub, err := strconv.ParseUint(p.Published, 10, 16)
			if err != nil {
				return Service{}, NewParseError(fmt.Sprintf("%s.ports[%d]", field, i),
					"published port must be a single port number", ErrServiceInvalidPort)
			}
			published = uint32(pub)
		}
		service.Ports = append(service.Ports, Port{
			Target:    p.Target,
			Published: published,
			Protocol:  p.Protocol,
			HostIP:    p.HostIP,
		})
	}

	for k, v := range svc.Environment {
		if v != nil {
			service.Environment[k] = *v
		}
	}

	for i, v := range svc.Volumes {
		mount := VolumeMount{Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly}
		switch v.Type {
		case "bind":
			mount.Type = VolumeMountTypeBind
		case "volume", "":
			mount.Type = VolumeMountTypeVolume
			if strings.HasPrefix(v.Source, "./") || strings.HasPrefix(v.Source, "/") {
				mount.Type = VolumeMountTypeBind
			}
		default:
			return Service{}, NewParseError(fmt.Sprintf("%s.volumes[%d]", field, i),
				fmt.Sprintf("volume type %q is not supported", v.Type), ErrServiceInvalidVolume)
		}
		service.Volumes = append(service.Volumes, mount)
	}

	for dep := range svc.DependsOn {
		service.DependsOn = append(service.DependsOn, dep)
	}
	sort.Strings(service.DependsOn)

	for k, v := range svc.Labels {
		service.Labels[k] = v
	}

	if svc.HealthCheck != nil && !svc.HealthCheck.Disable {
		service.HealthCheck = &HealthCheck{Test: svc.HealthCheck.Test}
		if svc.HealthCheck.Retries != nil {
			service.HealthCheck.Retries = int(*svc.HealthCheck.Retries)
		}
		if svc.HealthCheck.Interval != nil {
			service.HealthCheck.Interval = svc.HealthCheck.Interval.String()
		}
		if svc.HealthCheck.Timeout != nil {
			service.HealthCheck.Timeout = svc.HealthCheck.Timeout.String()
		}
		if svc.HealthCheck.StartPeriod != nil {
			service.HealthCheck.StartPeriod = svc.HealthCheck.StartPeriod.String()
		}
	}

	backups, err := convertBackups(field, svc.Extensions[ExtensionBackups])
	if err != nil {
		return Service{}, err
	}
	service.Backups = backups

	if raw, ok := svc.Extensions[ExtensionRoutePort]; ok {
		port, err := toInt(raw)
		if err != nil || port < 1 || port > 65535 {
			return Service{}, NewParseError(field+"."+ExtensionRoutePort, "route port must be a port number", ErrInvalidExtension)
		}
		service.RoutePort = port
	}

	return service, nil
}

// convertBackups reads the x-backups extension: a list of {target, technique}.
func convertBackups(field string, raw any) ([]Backup, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, NewParseError(field+"."+ExtensionBackups, "must be a list", ErrInvalidExtension)
	}
	out := make([]Backup, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, NewParseError(fmt.Sprintf("%s.%s[%d]", field, ExtensionBackups, i), "must be a mapping", ErrInvalidExtension)
		}
		target, _ := m["target"].(string)
		technique, _ := m["technique"].(string)
		if target == "" || technique == "" {
			return nil, NewParseError(fmt.Sprintf("%s.%s[%d]", field, ExtensionBackups, i),
				"target and technique are required", ErrInvalidExtension)
		}
		out = append(out, Backup{Target: target, Technique: technique})
	}
	return out, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func detectCircularDependencies(services []Service) error {
	deps := make(map[string][]string)
	for _, svc := range services {
		deps[svc.Name] = svc.DependsOn
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var hasCycle func(node string) bool
	hasCycle = func(node string) bool {
		visited[node] = true
		recStack[node] = true
		for _, dep := range deps[node] {
			if dep == node || recStack[dep] {
				return true
			}
			if !visited[dep] && hasCycle(dep) {
				return true
			}
		}
		recStack[node] = false
		return false
	}

	for _, svc := range services {
		if !visited[svc.Name] && hasCycle(svc.Name) {
			return NewParseError("services."+svc.Name+".depends_on", "circular dependency detected", ErrCircularDependency)
		}
	}
	return nil
}

func validatePorts(services []Service) error {
	for _, svc := range services {
		for i, port := range svc.Ports {
			field := fmt.Sprintf("services.%s.ports[%d]", svc.Name, i)
			if port.Target == 0 || port.Target > 65535 {
				return NewParseError(field, "target port must be between 1 and 65535", ErrServiceInvalidPort)
			}
			if port.Published > 65535 {
				return NewParseError(field, "published port must be <= 65535", ErrServiceInvalidPort)
			}
		}
	}
	return nil
}
