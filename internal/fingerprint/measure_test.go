package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeasureNormalizers(t *testing.T) {
	tests := []struct {
		name string
		fn   func(string) (string, bool)
		in   string
		want string
		ok   bool
	}{
		{"capacity spaced", Capacity, "256 GB", "256gb", true},
		{"capacity tb", Capacity, "1TB", "1tb", true},
		{"capacity junk", Capacity, "lots", "", false},
		{"volume litres", Volume, "1.5 L", "1500ml", true},
		{"volume ml", Volume, "500ml", "500ml", true},
		{"volume oz", Volume, "3.4 oz", "3.4oz", true},
		{"volume bare number", Volume, "500", "", false},
		{"screen quote", Screen, `55"`, "55in", true},
		{"screen inch", Screen, "65 inch", "65in", true},
		{"screen comma", Screen, "6,1", "6.1in", true},
		{"screen text", Screen, "big", "", false},
		{"weight kg", Weight, "1 kg", "1000g", true},
		{"weight gr", Weight, "250gr", "250g", true},
		{"weight unitless", Weight, "250", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.fn(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
