package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify_TableDriven(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"basic", "Hello World", "hello-world"},
		{"domain", "a.example.com", "a-example-com"},
		{"uppercase domain", "Blog.Example.ORG", "blog-example-org"},
		{"numbers", "Test123App", "test123app"},
		{"special chars", "Hello! World?", "hello-world"},
		{"hyphens preserved", "my-app", "my-app"},
		{"separators collapse", "hello _ world", "hello-world"},
		{"trailing dot", "example.com.", "example-com"},
		{"leading separators", " .trim me ", "trim-me"},
		{"version", "My App 2.0!", "my-app-2-0"},
		{"path", "/var/lib/mysql", "var-lib-mysql"},
		{"empty", "", ""},
		{"only special chars", "!@#$%^&*()", ""},
		{"unicode removed", "Héllo Wörld", "hllo-wrld"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Slugify(tt.input))
		})
	}
}

func TestSlugify_Idempotent(t *testing.T) {
	for _, in := range []string{"a.example.com", "My App 2.0", "x--y"} {
		once := Slugify(in)
		assert.Equal(t, once, Slugify(once))
	}
}
