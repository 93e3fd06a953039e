package traefik

import (
	"fmt"
	"strings"
)

// GenerateLabels generates Traefik labels for an instance container, for
// hosts that front shipyard instances with an external Traefik instead of
// the built-in proxy.
//
// Router and service names are the instance ID, which is unique per host.
//
// Example:
//
//	labels := GenerateLabels(LabelParams{
//	    InstanceID: "a-example",
//	    Domains:    []string{"a.example", "www.a.example"},
//	    Port:       80,
//	})
//	// {
//	//   "traefik.enable": "true",
//	//   "traefik.http.routers.a-example.rule": "Host(`a.example`) || Host(`www.a.example`)",
//	//   "traefik.http.routers.a-example.entrypoints": "web",
//	//   "traefik.http.services.a-example.loadbalancer.server.port": "80",
//	// }
func GenerateLabels(params LabelParams) map[string]string {
	if len(params.Domains) == 0 || params.Port == 0 {
		return map[string]string{}
	}

	name := params.InstanceID
	rule := hostRule(params.Domains)

	labels := map[string]string{
		"traefik.enable": "true",
		fmt.Sprintf("traefik.http.routers.%s.rule", name):                       rule,
		fmt.Sprintf("traefik.http.routers.%s.entrypoints", name):                "web",
		fmt.Sprintf("traefik.http.routers.%s.service", name):                    name,
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", name): fmt.Sprintf("%d", params.Port),
	}

	if params.EnableTLS {
		resolver := params.CertResolver
		if resolver == "" {
			resolver = "letsencrypt"
		}
		secure := name + "-secure"
		labels[fmt.Sprintf("traefik.http.routers.%s.rule", secure)] = rule
		labels[fmt.Sprintf("traefik.http.routers.%s.entrypoints", secure)] = "websecure"
		labels[fmt.Sprintf("traefik.http.routers.%s.service", secure)] = name
		labels[fmt.Sprintf("traefik.http.routers.%s.tls", secure)] = "true"
		labels[fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", secure)] = resolver
	}

	return labels
}

func hostRule(domains []string) string {
	parts := make([]string, 0, len(domains))
	for _, d := range domains {
		parts = append(parts, fmt.Sprintf("Host(`%s`)", d))
	}
	return strings.Join(parts, " || ")
}
