package x402

import (
	"regexp"
	"testing"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		want    string
		wantErr bool
	}{
		{"Small", "1", "1", false},
		{"USDC", "10000", "10000", false},
		{"BeyondUint64", "340282366920938463463374607431768211456", "340282366920938463463374607431768211456", false},
		{"Zero", "0", "", true},
		{"Negative", "-5", "", true},
		{"Float", "1.5", "", true},
		{"Hex", "0x10", "", true},
		{"Empty", "", "", true},
		{"Garbage", "abc", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.amount)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAmount(%q) error = %v; wantErr %v", tt.amount, err, tt.wantErr)
			}
			if err == nil && got.String() != tt.want {
				t.Errorf("ParseAmount(%q) = %s; want %s", tt.amount, got, tt.want)
			}
		})
	}
}

func TestAmountsEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"Equal", "10000", "10000", true},
		{"LeadingZeros", "010000", "10000", true},
		{"Different", "10000", "10001", false},
		{"Invalid", "abc", "10000", false},
		{"BothInvalid", "abc", "abc", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AmountsEqual(tt.a, tt.b); got != tt.want {
				t.Errorf("AmountsEqual(%q, %q) = %v; want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestNewChallengeNonce(t *testing.T) {
	pattern := regexp.MustCompile(`^0x[0-9a-f]{64}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		nonce, err := NewChallengeNonce()
		if err != nil {
			t.Fatalf("NewChallengeNonce error = %v", err)
		}
		if !pattern.MatchString(nonce) {
			t.Fatalf("nonce %q does not match expected format", nonce)
		}
		if seen[nonce] {
			t.Fatalf("nonce %q repeated", nonce)
		}
		seen[nonce] = true
	}
}
