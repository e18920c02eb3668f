package devicedriver

import "errors"

// Construction-time failures. These are ordinary Go errors, distinct from
// the driverevents.ErrorCode values carried on published/replied HSM events
// at runtime (SPEC §2.3).
var (
	ErrMissingName       = errors.New("devicedriver: name is required")
	ErrMissingController = errors.New("devicedriver: controller is required")
)
