package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"postgres://geo:s3cret@db:5432/geoforge?sslmode=disable", "postgres://geo:xxxxx@db:5432/geoforge?sslmode=disable"},
		{"postgresql://geo@db/geoforge", "postgresql://geo@db/geoforge"},
		{"host=db user=geo password=s3cret dbname=geoforge", "host=db user=geo password=xxxxx dbname=geoforge"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Redact(tc.in), tc.in)
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultRecentRuns, ClampLimit(0))
	assert.Equal(t, DefaultRecentRuns, ClampLimit(-3))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxRecentRuns, ClampLimit(MaxRecentRuns+1))
}
