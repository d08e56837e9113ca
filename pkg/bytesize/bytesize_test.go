package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Size
		wantErr  bool
	}{
		{"bare number is bytes", "1024", 1024, false},
		{"bytes suffix", "1024B", 1024, false},
		{"bytes word", "100 bytes", 100, false},

		{"kilobytes", "5KB", 5 * KB, false},
		{"kibibytes", "5KiB", 5 * KB, false},
		{"short k", "5K", 5 * KB, false},
		{"lowercase", "5kb", 5 * KB, false},

		{"megabytes", "10MB", 10 * MB, false},
		{"gigabytes", "2GB", 2 * GB, false},
		{"terabytes", "1TB", 1 * TB, false},
		{"petabytes", "1PB", 1 * PB, false},

		{"fractional gigabytes", "1.5GB", Size(1.5 * float64(GB)), false},
		{"mixed case", "8Gb", 8 * GB, false},
		{"spaces around", "  8 GB  ", 8 * GB, false},

		{"zero", "0", 0, false},
		{"zero with unit", "0MB", 0, false},

		// Recorder node memory sizes seen in practice.
		{"8GiB node", "8GiB", 8 * GB, false},
		{"16GiB node", "16 GiB", 16 * GB, false},

		{"garbage", "lots", 0, true},
		{"empty", "", 0, true},
		{"unknown unit", "5XB", 0, true},
		{"negative", "-8GB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, size)
		})
	}
}

func TestMustParse(t *testing.T) {
	assert.NotPanics(t, func() {
		assert.Equal(t, 8*GB, MustParse("8GB"))
	})
	assert.Panics(t, func() {
		MustParse("not a size")
	})
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		size     Size
		expected string
	}{
		{"zero", 0, "0B"},
		{"bytes", 500, "500B"},
		{"just under a unit", 1023, "1023B"},
		{"exact kilobyte", KB, "1KB"},
		{"exact gigabyte", GB, "1GB"},
		{"recorder memory", 8 * GB, "8GB"},
		{"fractional", Size(1.5 * float64(GB)), "1.5GB"},
		{"two decimals", Size(2.25 * float64(GB)), "2.25GB"},
		{"terabyte", TB, "1TB"},
		{"negative", -2 * GB, "-2GB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Format(tt.size))
		})
	}
}

func TestSizeMethods(t *testing.T) {
	size := 8 * GB
	assert.Equal(t, "8GB", size.String())
	assert.Equal(t, int64(8589934592), size.Bytes())
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []Size{0, B, KB, MB, GB, TB, 6 * GB, 8 * GB, 512 * MB} {
		parsed, err := Parse(Format(s))
		require.NoError(t, err)
		assert.Equal(t, s, parsed, "round trip through %q", Format(s))
	}
}
