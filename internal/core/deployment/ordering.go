package deployment

import (
	"sort"

	"github.com/artpar/shipyard/internal/core/compose"
)

// =============================================================================
// Service Ordering Functions
// =============================================================================

// TopologicalSort sorts services by their dependencies using Kahn's algorithm.
// Services with no dependencies come first; ties are broken by name so the
// result is deterministic.
//
// If a cycle exists (which the parser rejects), remaining services are
// appended in input order.
//
// Example:
//
//	// Services: web → api → db
//	sorted := TopologicalSort(services)
//	// Result: [db, api, web]
func TopologicalSort(services []compose.Service) []compose.Service {
	if len(services) == 0 {
		return services
	}

	serviceMap := make(map[string]compose.Service, len(services))
	inDegree := make(map[string]int, len(services))
	dependents := make(map[string][]string)

	for _, svc := range services {
		serviceMap[svc.Name] = svc
	}
	for _, svc := range services {
		for _, dep := range svc.DependsOn {
			if _, ok := serviceMap[dep]; !ok {
				continue
			}
			inDegree[svc.Name]++
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	var ready []string
	for _, svc := range services {
		if inDegree[svc.Name] == 0 {
			ready = append(ready, svc.Name)
		}
	}
	sort.Strings(ready)

	result := make([]compose.Service, 0, len(services))
	placed := make(map[string]bool, len(services))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		result = append(result, serviceMap[name])
		placed[name] = true

		var next []string
		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				next = append(next, dep)
			}
		}
		ready = append(ready, next...)
		sort.Strings(ready)
	}

	for _, svc := range services {
		if !placed[svc.Name] {
			result = append(result, svc)
		}
	}

	return result
}
