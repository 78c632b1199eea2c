package service

import "fmt"

// SandboxIDMaxLength bounds ids accepted from URL parameters.
const SandboxIDMaxLength = 64

// ValidateSandboxID checks that an id from an untrusted source is safe to
// use as a registry key and workspace subpath name.
func ValidateSandboxID(id string) error {
	if id == "" {
		return fmt.Errorf("sandbox ID is required")
	}
	if len(id) > SandboxIDMaxLength {
		return fmt.Errorf("sandbox ID exceeds maximum length of %d characters", SandboxIDMaxLength)
	}
	for _, r := range id {
		isAlphanumeric := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !isAlphanumeric && r != '-' {
			return fmt.Errorf("sandbox ID must contain only alphanumeric characters and hyphens")
		}
	}
	return nil
}
