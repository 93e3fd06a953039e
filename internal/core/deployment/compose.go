package deployment

import (
	"github.com/artpar/shipyard/internal/core/compose"
	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Compose Planning
// =============================================================================

// ComposeInstances converts a parsed compose document into instance specs for
// one domain, in dependency order.
//
// Each service becomes an instance named after the service. All instances
// share a network named after the domain so services reach each other by
// name. The proxy routes the domain to the service declaring x-route-port, or
// else to the first service in dependency order publishing a TCP port, using
// that port's container side.
func ComposeInstances(domainName string, spec *compose.ParsedSpec) []domain.InstanceSpec {
	domainName = domain.NormalizeDomain(domainName)
	ordered := TopologicalSort(spec.Services)
	network := "shipyard_" + domain.Slugify(domainName)

	routed := ""
	for _, svc := range ordered {
		if svc.RoutePort != 0 {
			routed = svc.Name
			break
		}
	}
	if routed == "" {
		for _, svc := range ordered {
			if firstTCPPort(svc) != 0 {
				routed = svc.Name
				break
			}
		}
	}

	instances := make([]domain.InstanceSpec, 0, len(ordered))
	for _, svc := range ordered {
		inst := domain.InstanceSpec{
			Name:    svc.Name,
			Domains: []string{domainName},
			Image:   svc.Image,
			Command: append([]string(nil), svc.Command...),
			Env:     svc.Environment,
			Labels:  svc.Labels,
			Network: network,
			Restart: svc.Restart,
		}
		id := domain.InstanceID(domainName, svc.Name)

		for _, p := range svc.Ports {
			inst.Ports = append(inst.Ports, domain.PortBinding{
				HostIP:        p.HostIP,
				HostPort:      int(p.Published),
				ContainerPort: int(p.Target),
				Protocol:      p.Protocol,
			})
		}

		for _, v := range svc.Volumes {
			source := v.Source
			if v.Type == compose.VolumeMountTypeVolume {
				source = VolumeName(id, v.Source)
			}
			mode := domain.VolumeModeRW
			if v.ReadOnly {
				mode = domain.VolumeModeRO
			}
			inst.Volumes = append(inst.Volumes, domain.VolumeBinding{Source: source, Target: v.Target, Mode: mode})
		}

		for _, b := range svc.Backups {
			inst.Backups = append(inst.Backups, domain.BackupItem{Target: b.Target, Technique: b.Technique})
		}

		if hc := svc.HealthCheck; hc != nil {
			inst.HealthCheck = &domain.HealthCheck{
				Test:        hc.Test,
				Interval:    hc.Interval,
				Timeout:     hc.Timeout,
				StartPeriod: hc.StartPeriod,
				Retries:     hc.Retries,
			}
		}

		if svc.Name == routed {
			inst.RoutePort = svc.RoutePort
			if inst.RoutePort == 0 {
				inst.RoutePort = firstTCPPort(svc)
			}
			if !publishes(inst, inst.RoutePort) {
				inst.Ports = append(inst.Ports, domain.PortBinding{
					HostIP:        "127.0.0.1",
					ContainerPort: inst.RoutePort,
					Protocol:      domain.ProtocolTCP,
					Any:           true,
				})
			}
		}

		instances = append(instances, inst.Normalized())
	}
	return instances
}

func firstTCPPort(svc compose.Service) int {
	for _, p := range svc.Ports {
		if p.Protocol == "" || p.Protocol == domain.ProtocolTCP {
			return int(p.Target)
		}
	}
	return 0
}

func publishes(inst domain.InstanceSpec, containerPort int) bool {
	for _, p := range inst.Ports {
		if p.ContainerPort == containerPort && (p.Protocol == "" || p.Protocol == domain.ProtocolTCP) {
			return true
		}
	}
	return false
}
