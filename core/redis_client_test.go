package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetRedisDBName(t *testing.T) {
	tests := []struct {
		name     string
		db       int
		expected string
	}{
		{"Cache", RedisDBCache, "cache"},
		{"PoolCounters", RedisDBPoolCounters, "pool-counters"},
		{"CircuitBreaker", RedisDBCircuitBreaker, "circuit-breaker"},
		{"Reserved3", RedisDBReservedStart, "reserved"},
		{"Reserved15", RedisDBReservedEnd, "reserved"},
		{"Unknown", 100, "reserved"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GetRedisDBName(tt.db)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestIsReservedDB(t *testing.T) {
	tests := []struct {
		name     string
		db       int
		expected bool
	}{
		{"Cache", RedisDBCache, false},
		{"PoolCounters", RedisDBPoolCounters, false},
		{"CircuitBreaker", RedisDBCircuitBreaker, false},
		{"ReservedStart", RedisDBReservedStart, true},
		{"ReservedEnd", RedisDBReservedEnd, true},
		{"Beyond", 16, false},
		{"Negative", -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsReservedDB(tt.db)
			assert.Equal(t, tt.expected, result)
		})
	}
}
