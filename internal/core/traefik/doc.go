// Package traefik generates Traefik routing labels for instance containers.
//
// The labels are only attached when deploy.traefik_labels is enabled; the
// built-in proxy does not need them.
package traefik
