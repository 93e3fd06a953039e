package traefik

// LabelParams contains parameters for generating Traefik labels.
type LabelParams struct {
	// InstanceID names the router and service.
	InstanceID string

	// Domains are matched with a Host rule each.
	Domains []string

	// Port is the container port to route traffic to.
	Port int

	// EnableTLS adds an HTTPS router.
	EnableTLS bool

	// CertResolver names the Traefik certificate resolver. Defaults to "letsencrypt".
	CertResolver string
}
