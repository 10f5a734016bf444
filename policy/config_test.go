package policy

import (
	"strings"
	"testing"
)

const validPolicyYAML = `
- name: default
  incomingLimits:
    global:
      maxPaymentAmount: "100000"
      maxWindowAmount: "1000000"
      windowDurationMs: 60000
    perCounterparty:
      "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0":
        maxPaymentAmount: "50000"
    perResource:
      "/api/data":
        maxWindowAmount: "200000"
        windowDurationMs: 60000
  blockedCounterparties:
    - "0x0000000000000000000000000000000000000bad"
  rateLimit:
    maxPayments: 10
    windowDurationMs: 60000
- name: partners
  allowedCounterparties:
    - "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"
`

func TestParseValidPolicy(t *testing.T) {
	groups, err := Parse([]byte(validPolicyYAML))
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("len(groups) = %d; want 2", len(groups))
	}

	def := groups[0]
	if def.Name != "default" {
		t.Errorf("Name = %s; want default", def.Name)
	}
	if def.IncomingLimits.Global.maxPayment.String() != "100000" {
		t.Errorf("global maxPayment = %s; want 100000", def.IncomingLimits.Global.maxPayment)
	}
	if def.IncomingLimits.Global.maxWindow.String() != "1000000" {
		t.Errorf("global maxWindow = %s; want 1000000", def.IncomingLimits.Global.maxWindow)
	}
	if def.RateLimit.MaxPayments != 10 {
		t.Errorf("MaxPayments = %d; want 10", def.RateLimit.MaxPayments)
	}
}

func TestParseCollectsEveryViolation(t *testing.T) {
	bad := `
- name: ""
  incomingLimits:
    global:
      maxPaymentAmount: "-5"
      maxWindowAmount: "abc"
  rateLimit:
    maxPayments: 0
    windowDurationMs: -1
`
	_, err := Parse([]byte(bad))
	if err == nil {
		t.Fatal("expected validation error")
	}

	msg := err.Error()
	for _, want := range []string{
		"name is required",
		"maxPaymentAmount",
		"maxWindowAmount",
		"maxPayments must be positive",
		"windowDurationMs must be positive",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestParseRejectsDuplicateNames(t *testing.T) {
	dup := `
- name: default
- name: default
`
	_, err := Parse([]byte(dup))
	if err == nil || !strings.Contains(err.Error(), "duplicate name") {
		t.Errorf("error = %v; want duplicate name violation", err)
	}
}

func TestParseRejectsWindowAmountWithoutDuration(t *testing.T) {
	bad := `
- name: default
  outgoingLimits:
    global:
      maxWindowAmount: "1000"
`
	_, err := Parse([]byte(bad))
	if err == nil || !strings.Contains(err.Error(), "windowDurationMs") {
		t.Errorf("error = %v; want windowDurationMs violation", err)
	}
}
