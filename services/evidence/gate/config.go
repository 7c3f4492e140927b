// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/evidencegate/services/evidence/reconcile"
	"github.com/go-playground/validator/v10"
)

// ErrInvalidMode is returned for an unset or unknown gate mode. It is a
// configuration error and aborts the run.
var ErrInvalidMode = errors.New("invalid gate mode")

// Mode is the run-level routing policy.
type Mode string

const (
	// ModeGate is fail-closed: failed or auto-filled samples are rejected.
	ModeGate Mode = "gate"

	// ModeReport is fail-open for auto-fill: failed samples are rejected,
	// auto-filled samples reach clean with the flag kept.
	ModeReport Mode = "report"
)

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if m != ModeGate && m != ModeReport {
		return "", fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidMode, s, ModeGate, ModeReport)
	}
	return m, nil
}

// AutoFillPolicy is the reconciliation policy that goes with the mode.
func (m Mode) AutoFillPolicy() reconcile.AutoFillPolicy {
	if m == ModeReport {
		return reconcile.AutoFillPermit
	}
	return reconcile.AutoFillSuppress
}

// Config is passed explicitly to New; the gate never reads ambient state.
type Config struct {
	Mode Mode `yaml:"mode" json:"mode" validate:"required,oneof=gate report"`
}

// gateValidate is the validator instance for gate configuration.
var gateValidate = validator.New()

// Validate checks the configuration.
//
// Outputs:
//   - error: Wraps ErrInvalidMode when Mode is unset or unknown.
func (c Config) Validate() error {
	if err := gateValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %q failed %q", ErrInvalidMode, c.Mode, verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidMode, err)
	}
	return nil
}
