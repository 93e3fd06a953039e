package deployment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubstituteVariables(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		variables map[string]string
		want      string
	}{
		{"simple", "${VAR}", map[string]string{"VAR": "value"}, "value"},
		{"default unused", "${VAR:-default}", map[string]string{"VAR": "actual"}, "actual"},
		{"default used", "${VAR:-default}", map[string]string{}, "default"},
		{"empty default", "${EMPTY:-}", map[string]string{}, ""},
		{"nil variables", "${VAR:-default}", nil, "default"},
		{"missing kept", "${MISSING}", map[string]string{}, "${MISSING}"},
		{"no placeholder", "plain text", map[string]string{"K": "v"}, "plain text"},
		{"adjacent", "${A}${B}", map[string]string{"A": "1", "B": "2"}, "12"},
		{"dollar in value", "Cost: ${PRICE}", map[string]string{"PRICE": "$100"}, "Cost: $100"},
		{"empty value", "[${EMPTY}]", map[string]string{"EMPTY": ""}, "[]"},
		{"default with colon", "${URL:-http://localhost:8080/path}", nil, "http://localhost:8080/path"},
		{
			"database url",
			"postgres://${DB_USER}:${DB_PASS}@${DB_HOST}:${DB_PORT:-5432}/${DB_NAME}",
			map[string]string{"DB_USER": "admin", "DB_PASS": "secret", "DB_HOST": "db", "DB_NAME": "app"},
			"postgres://admin:secret@db:5432/app",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SubstituteVariables(tt.value, tt.variables))
		})
	}
}
