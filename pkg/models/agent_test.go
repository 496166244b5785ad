package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectRequiredCapabilities(t *testing.T) {
	tests := []struct {
		text string
		want []AgentCapability
	}{
		{"Polish the frontend settings panel", []AgentCapability{CapabilityFrontend}},
		{"Deploy the api server with docker", []AgentCapability{CapabilityBackend, CapabilityDevOps}},
		{"Write integration tests for the database layer", []AgentCapability{CapabilityBackend, CapabilityTesting}},
		{"Wire CI for the repo", []AgentCapability{CapabilityDevOps}},
		{"Refactor the scheduler", nil},
		{"", nil},
	}
	for _, tt := range tests {
		assert.ElementsMatch(t, tt.want, DetectRequiredCapabilities(tt.text), "text %q", tt.text)
	}
}

func TestDetectRequiredCapabilitiesMatchesWholeWordsOnly(t *testing.T) {
	// "build" contains "ui" and "circuit" contains "ci"; neither is a
	// mention of those capabilities.
	assert.Empty(t, DetectRequiredCapabilities("build the release artifact"))
	assert.Empty(t, DetectRequiredCapabilities("add a circuit breaker around the cache"))
}
