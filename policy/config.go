// Package policy enforces spend limits on payments flowing through the
// facilitator. Limits are declared as named groups in a YAML file; the
// engine evaluates every applicable group and rejects a payment if any
// group rejects it.
package policy

import (
	"errors"
	"fmt"
	"math/big"
	"os"

	"gopkg.in/yaml.v3"
)

// Limit bounds payments for one scope of one direction. Amounts are
// atomic-unit decimal strings; an empty amount means unbounded.
type Limit struct {
	// MaxPaymentAmount caps any single payment.
	MaxPaymentAmount string `yaml:"maxPaymentAmount,omitempty"`
	// MaxWindowAmount caps the cumulative total per window.
	MaxWindowAmount string `yaml:"maxWindowAmount,omitempty"`
	// WindowDurationMs is the fixed window length for MaxWindowAmount.
	WindowDurationMs int64 `yaml:"windowDurationMs,omitempty"`

	maxPayment *big.Int
	maxWindow  *big.Int
}

// DirectionLimits holds the limits applied to one payment direction.
type DirectionLimits struct {
	// Global applies to every payment in this direction.
	Global *Limit `yaml:"global,omitempty"`
	// PerCounterparty applies to payments with a specific counterparty.
	PerCounterparty map[string]*Limit `yaml:"perCounterparty,omitempty"`
	// PerResource applies to payments for a specific resource.
	PerResource map[string]*Limit `yaml:"perResource,omitempty"`
}

// RateLimit caps the number of payments per counterparty per window.
type RateLimit struct {
	MaxPayments      int   `yaml:"maxPayments"`
	WindowDurationMs int64 `yaml:"windowDurationMs"`
}

// Group is one named set of policy rules.
type Group struct {
	Name string `yaml:"name"`
	// IncomingLimits bound payments received by the operator.
	IncomingLimits *DirectionLimits `yaml:"incomingLimits,omitempty"`
	// OutgoingLimits bound payments made by the operator.
	OutgoingLimits *DirectionLimits `yaml:"outgoingLimits,omitempty"`
	// AllowedCounterparties, when non-empty, restricts payments to the
	// listed counterparties.
	AllowedCounterparties []string `yaml:"allowedCounterparties,omitempty"`
	// BlockedCounterparties are always rejected, even when allowlisted.
	BlockedCounterparties []string `yaml:"blockedCounterparties,omitempty"`
	// RateLimit caps payment count per counterparty.
	RateLimit *RateLimit `yaml:"rateLimit,omitempty"`
}

// Load reads and validates a policy file. Validation collects every
// problem in the file before rejecting it.
func Load(path string) ([]Group, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates policy YAML.
func Parse(data []byte) ([]Group, error) {
	var groups []Group
	if err := yaml.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := validateGroups(groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func validateGroups(groups []Group) error {
	var errs []error
	seen := make(map[string]bool)

	for i := range groups {
		group := &groups[i]
		if group.Name == "" {
			errs = append(errs, fmt.Errorf("group %d: name is required", i))
		} else if seen[group.Name] {
			errs = append(errs, fmt.Errorf("group %q: duplicate name", group.Name))
		}
		seen[group.Name] = true

		errs = append(errs, validateDirection(group.Name, "incomingLimits", group.IncomingLimits)...)
		errs = append(errs, validateDirection(group.Name, "outgoingLimits", group.OutgoingLimits)...)

		if rl := group.RateLimit; rl != nil {
			if rl.MaxPayments <= 0 {
				errs = append(errs, fmt.Errorf("group %q: rateLimit.maxPayments must be positive", group.Name))
			}
			if rl.WindowDurationMs <= 0 {
				errs = append(errs, fmt.Errorf("group %q: rateLimit.windowDurationMs must be positive", group.Name))
			}
		}
	}

	return errors.Join(errs...)
}

func validateDirection(groupName, field string, limits *DirectionLimits) []error {
	if limits == nil {
		return nil
	}

	var errs []error
	check := func(scope string, limit *Limit) {
		if limit == nil {
			return
		}
		where := fmt.Sprintf("group %q: %s.%s", groupName, field, scope)
		if limit.MaxPaymentAmount != "" {
			amount, ok := parsePositiveAmount(limit.MaxPaymentAmount)
			if !ok {
				errs = append(errs, fmt.Errorf("%s: maxPaymentAmount %q is not a positive integer", where, limit.MaxPaymentAmount))
			}
			limit.maxPayment = amount
		}
		if limit.MaxWindowAmount != "" {
			amount, ok := parsePositiveAmount(limit.MaxWindowAmount)
			if !ok {
				errs = append(errs, fmt.Errorf("%s: maxWindowAmount %q is not a positive integer", where, limit.MaxWindowAmount))
			}
			limit.maxWindow = amount
			if limit.WindowDurationMs <= 0 {
				errs = append(errs, fmt.Errorf("%s: windowDurationMs must be positive when maxWindowAmount is set", where))
			}
		}
	}

	check("global", limits.Global)
	for name, limit := range limits.PerCounterparty {
		check("perCounterparty."+name, limit)
	}
	for name, limit := range limits.PerResource {
		check("perResource."+name, limit)
	}
	return errs
}

func parsePositiveAmount(s string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, false
	}
	return amount, true
}
