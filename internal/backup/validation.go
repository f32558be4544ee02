package backup

import (
	"context"
	"fmt"
	"strings"

	"dbvault/internal/engine"
	appErrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"github.com/google/uuid"
)

// ValidationTargetPrefix starts the name of every temporary restore target
const ValidationTargetPrefix = "dbvault_validate_"

// NewValidationTarget returns a unique restore target name such as
// dbvault_validate_1a2b3c4d
func NewValidationTarget() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return ValidationTargetPrefix + id[:8]
}

// Validator restores a fresh dump into an isolated target and only trusts
// it when the engine confirms the restore
type Validator struct {
	config    ValidationConfig
	logger    *logging.Logger
	newTarget func() string
}

// NewValidator creates a validator
func NewValidator(config ValidationConfig, logger *logging.Logger) *Validator {
	config.SetDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Validator{
		config:    config,
		logger:    logger,
		newTarget: NewValidationTarget,
	}
}

// Validate restores dump and tears the target down on every path. Any
// failure is a non-transient validation error.
func (v *Validator) Validate(ctx context.Context, adapter engine.Adapter, conn engine.Connection, dump *engine.DumpArtifact) (*ValidatedArtifact, error) {
	target := v.newTarget()
	result := &ValidatedArtifact{
		DumpArtifact: *dump,
		Method:       adapter.ValidationMethod(),
	}

	restoreCtx := ctx
	if v.config.Timeout > 0 {
		var cancel context.CancelFunc
		restoreCtx, cancel = context.WithTimeout(ctx, v.config.Timeout)
		defer cancel()
	}

	defer v.teardown(ctx, adapter, conn, target)

	outcome, err := adapter.RestoreForValidation(restoreCtx, conn, dump, target)
	if err != nil {
		result.Detail = err.Error()
		return result, appErrors.NewValidationError(
			fmt.Sprintf("%s validation of %s could not run", adapter.Name(), dump.Path), err).
			WithContext("target", target)
	}

	result.Valid = outcome.Valid
	result.Method = outcome.Method
	result.Detail = outcome.Detail

	if !outcome.Valid {
		return result, appErrors.NewValidationError(
			fmt.Sprintf("%s validation failed (%s): %s", adapter.Name(), outcome.Method, outcome.Detail), nil).
			WithContext("target", target)
	}

	v.logger.WithFields(map[string]interface{}{
		"engine": adapter.Name(),
		"method": outcome.Method,
		"target": target,
		"detail": outcome.Detail,
	}).Debug("Dump validated")

	return result, nil
}

// teardown runs even when ctx is already canceled so targets never leak
func (v *Validator) teardown(ctx context.Context, adapter engine.Adapter, conn engine.Connection, target string) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.config.TeardownTimeout)
	defer cancel()

	if err := adapter.TeardownIsolatedTarget(tctx, conn, target); err != nil {
		v.logger.WithFields(map[string]interface{}{
			"engine": adapter.Name(),
			"target": target,
			"error":  err.Error(),
		}).Warn("Failed to tear down validation target")
	}
}
