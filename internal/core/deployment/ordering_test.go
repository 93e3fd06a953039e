package deployment

import (
	"testing"

	"github.com/artpar/shipyard/internal/core/compose"
	"github.com/stretchr/testify/assert"
)

func names(services []compose.Service) []string {
	out := make([]string, 0, len(services))
	for _, s := range services {
		out = append(out, s.Name)
	}
	return out
}

func TestTopologicalSort(t *testing.T) {
	tests := []struct {
		name     string
		services []compose.Service
		want     []string
	}{
		{"empty", []compose.Service{}, []string{}},
		{"no dependencies sorted by name", []compose.Service{{Name: "web"}, {Name: "api"}, {Name: "db"}}, []string{"api", "db", "web"}},
		{
			"linear",
			[]compose.Service{
				{Name: "web", DependsOn: []string{"api"}},
				{Name: "api", DependsOn: []string{"db"}},
				{Name: "db"},
			},
			[]string{"db", "api", "web"},
		},
		{
			"diamond",
			[]compose.Service{
				{Name: "web", DependsOn: []string{"api", "cache"}},
				{Name: "api", DependsOn: []string{"db"}},
				{Name: "cache", DependsOn: []string{"db"}},
				{Name: "db"},
			},
			[]string{"db", "api", "cache", "web"},
		},
		{
			"partial cycle falls back to input order",
			[]compose.Service{
				{Name: "a", DependsOn: []string{"b"}},
				{Name: "b", DependsOn: []string{"a"}},
				{Name: "c"},
			},
			[]string{"c", "a", "b"},
		},
		{"missing dependency ignored", []compose.Service{{Name: "web", DependsOn: []string{"api"}}}, []string{"web"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, names(TopologicalSort(tt.services)))
		})
	}
}
