package wire

import (
	"fmt"
	"regexp"
)

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name to
// enable multiple paddock instances to safely coexist on a single Redis
// server.
//
// Key pattern: paddock:{instance_name}:{entity}
// Channel pattern: paddock:{instance_name}:{direction}

const (
	// MaxInstanceNameLength is the maximum length for an instance name
	// (DNS-compatible).
	MaxInstanceNameLength = 63
)

// instanceNamePattern is the regex for valid instance names: lowercase
// alphanumeric with hyphens, not at start or end.
var instanceNamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidateInstanceName checks if an instance name is valid according to DNS
// naming rules.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("instance name cannot be empty")
	}
	if len(name) > MaxInstanceNameLength {
		return fmt.Errorf("instance name too long: %d characters (max: %d)", len(name), MaxInstanceNameLength)
	}
	if !instanceNamePattern.MatchString(name) {
		return fmt.Errorf("invalid instance name %q: must be lowercase alphanumeric with hyphens (not at start/end)", name)
	}
	return nil
}

// ActionChannel returns the Pub/Sub channel carrying outbound actions.
// Pattern: paddock:{instance_name}:actions
func ActionChannel(instanceName string) string {
	return fmt.Sprintf("paddock:%s:actions", instanceName)
}

// ObservationChannel returns the Pub/Sub channel carrying inbound
// observations.
// Pattern: paddock:{instance_name}:observations
func ObservationChannel(instanceName string) string {
	return fmt.Sprintf("paddock:%s:observations", instanceName)
}

// HeartbeatChannel returns the Pub/Sub channel carrying process heartbeats.
// Pattern: paddock:{instance_name}:heartbeats
func HeartbeatChannel(instanceName string) string {
	return fmt.Sprintf("paddock:%s:heartbeats", instanceName)
}

// InstanceKey returns the Redis key of the instance record hash. The record
// enables cross-process discovery (`paddock list`) and stale-record cleanup.
// Pattern: paddock:{instance_name}:instance
func InstanceKey(instanceName string) string {
	return fmt.Sprintf("paddock:%s:instance", instanceName)
}

// InstanceKeyPattern returns the SCAN pattern matching all instance records.
func InstanceKeyPattern() string {
	return "paddock:*:instance"
}
