// ABOUTME: Error kinds surfaced by sandbox provisioning and health checks
// ABOUTME: Typed errors carry detail and unwrap to package sentinels for errors.Is

package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection means the provider could not be reached to create a sandbox.
	ErrConnection = errors.New("sandbox provider unreachable")

	// ErrProvisioning means a setup step inside a new sandbox failed.
	ErrProvisioning = errors.New("sandbox provisioning failed")

	// ErrHealthTimeout means the relay never reported ready.
	ErrHealthTimeout = errors.New("relay health check timed out")
)

// Provisioning steps named in ProvisioningError.
const (
	StepInstallNode   = "install node"
	StepInstallPython = "install python packages"
	StepWriteFiles    = "write relay files"
	StepLaunchRelay   = "launch relay"
	StepVerifyRelay   = "verify relay process"
)

// ProvisioningError describes a failed setup step.
type ProvisioningError struct {
	Step     string
	ExitCode int
	Output   string
	Err      error
}

func (e *ProvisioningError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Step, e.Err)
	case e.Output != "":
		return fmt.Sprintf("%s failed (exit %d): %s", e.Step, e.ExitCode, e.Output)
	default:
		return fmt.Sprintf("%s failed (exit %d)", e.Step, e.ExitCode)
	}
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *ProvisioningError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProvisioning, e.Err}
	}
	return []error{ErrProvisioning}
}

// HealthTimeoutError reports a relay that never became ready.
type HealthTimeoutError struct {
	Host     string
	Attempts int
}

func (e *HealthTimeoutError) Error() string {
	return fmt.Sprintf("relay health check failed after %d attempts at https://%s/health", e.Attempts, e.Host)
}

func (e *HealthTimeoutError) Unwrap() error {
	return ErrHealthTimeout
}
