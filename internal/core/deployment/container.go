package deployment

import (
	"time"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Container Plan Building Functions
// =============================================================================

// BuildContainerPlan builds a ContainerPlan from an instance spec whose ports
// are already resolved.
//
// The function:
//   - Generates the container name using ContainerName()
//   - Substitutes ${VAR} placeholders in env values, command and user labels
//   - Maps resolved port bindings and merged volumes
//   - Parses health check durations
//   - Maps the restart policy to Docker format
//
// Built-in variables available for substitution: INSTANCE_ID, DOMAIN.
func BuildContainerPlan(params BuildContainerPlanParams) ContainerPlan {
	spec := params.Instance
	vars := planVariables(spec)

	plan := ContainerPlan{
		Name:  ContainerName(spec.ID, params.Generation),
		Image: spec.Image,
		Env:   make(map[string]string, len(spec.Env)),
		Labels: map[string]string{
			LabelManaged:    "true",
			LabelInstance:   spec.ID,
			LabelDomain:     spec.PrimaryDomain(),
			LabelGeneration: params.Generation,
		},
		RestartPolicy: mapRestartPolicy(spec.Restart),
	}

	if spec.Network != "" {
		plan.Network = spec.Network
		if spec.Name != "" {
			plan.Aliases = []string{spec.Name}
		}
	}

	for _, arg := range spec.Command {
		plan.Command = append(plan.Command, SubstituteVariables(arg, vars))
	}
	for k, v := range spec.Env {
		plan.Env[k] = SubstituteVariables(v, vars)
	}

	for _, p := range spec.Ports {
		plan.Ports = append(plan.Ports, PortPlan{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}

	for _, v := range params.Volumes {
		plan.Volumes = append(plan.Volumes, VolumePlan{
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly(),
			Bind:     v.IsHostPath(),
		})
	}

	if hc := spec.HealthCheck; hc != nil {
		plan.HealthCheck = &HealthCheckPlan{
			Test:        append([]string(nil), hc.Test...),
			Retries:     hc.Retries,
			Interval:    parseDuration(hc.Interval),
			Timeout:     parseDuration(hc.Timeout),
			StartPeriod: parseDuration(hc.StartPeriod),
		}
	}

	for k, v := range spec.Labels {
		if _, reserved := plan.Labels[k]; reserved {
			continue
		}
		plan.Labels[k] = SubstituteVariables(v, vars)
	}
	for k, v := range params.ExtraLabels {
		plan.Labels[k] = v
	}

	return plan
}

func planVariables(spec domain.InstanceSpec) map[string]string {
	vars := make(map[string]string, len(spec.Env)+2)
	for k, v := range spec.Env {
		vars[k] = v
	}
	vars["INSTANCE_ID"] = spec.ID
	vars["DOMAIN"] = spec.PrimaryDomain()
	return vars
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// mapRestartPolicy maps a compose-style restart policy to a Docker restart
// policy. Instances restart unless stopped by default.
func mapRestartPolicy(policy string) RestartPolicyPlan {
	switch policy {
	case "always":
		return RestartPolicyPlan{Name: "always"}
	case "on-failure":
		return RestartPolicyPlan{Name: "on-failure"}
	case "no":
		return RestartPolicyPlan{Name: "no"}
	default:
		return RestartPolicyPlan{Name: "unless-stopped"}
	}
}
