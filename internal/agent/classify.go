// Package agent implements the self-correcting loop around the distributed
// runner: failures are classified, a correction strategy is chosen by policy,
// and the workflow is retried with context overrides until it succeeds or the
// attempt budget runs out.
package agent

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/reprise-dev/reprise/pkg/schema"
)

// ErrorClass is the coarse failure category used to select a correction
// strategy.
type ErrorClass string

const (
	ClassTransient     ErrorClass = "TRANSIENT"
	ClassPermanent     ErrorClass = "PERMANENT"
	ClassToolConfig    ErrorClass = "TOOL_CONFIG"
	ClassModelQuality  ErrorClass = "MODEL_QUALITY"
	ClassRequiresHuman ErrorClass = "REQUIRES_HUMAN"
)

// ModelQualityThreshold is the critic score below which an otherwise
// unexplained failure is blamed on model output quality.
const ModelQualityThreshold = 0.4

// Classify buckets a failure for the policy engine. First match wins:
// timeout/connectivity failures are TRANSIENT, malformed-input/missing-key
// failures are TOOL_CONFIG, a low critic score is MODEL_QUALITY,
// permission failures are REQUIRES_HUMAN, everything else is PERMANENT.
func Classify(failure error, critic *CriticResult) ErrorClass {
	if isTransient(failure) {
		return ClassTransient
	}
	if isToolConfig(failure) {
		return ClassToolConfig
	}
	if critic != nil && critic.Score < ModelQualityThreshold {
		return ClassModelQuality
	}
	if isPermission(failure) {
		return ClassRequiresHuman
	}
	return ClassPermanent
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var serr *schema.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case schema.ErrCodeTimeout, schema.ErrCodeCircuitOpen, schema.ErrCodeStore:
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return containsAny(err, []string{
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"service unavailable",
		"too many requests",
	})
}

func isToolConfig(err error) bool {
	if err == nil {
		return false
	}

	var serr *schema.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case schema.ErrCodeValidation, schema.ErrCodeNotFound, schema.ErrCodeNoCase:
			return true
		}
	}

	return containsAny(err, []string{
		"malformed",
		"missing key",
		"missing required",
		"missing parameter",
		"invalid input",
		"not registered",
		"unknown tool",
	})
}

func isPermission(err error) bool {
	if err == nil {
		return false
	}

	var serr *schema.Error
	if errors.As(err, &serr) && serr.Code == schema.ErrCodePermission {
		return true
	}

	return containsAny(err, []string{
		"permission denied",
		"unauthorized",
		"forbidden",
		"access denied",
	})
}

func containsAny(err error, patterns []string) bool {
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
