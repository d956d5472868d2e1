package identity

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedCollector() *Collector {
	return &Collector{
		Hostname: func() (string, error) { return "Kiosk-01", nil },
		ReadFile: func(name string) ([]byte, error) {
			if name == "/etc/machine-id" {
				return []byte("4c4c4544004d3510\n"), nil
			}
			return nil, errors.New("not found")
		},
		Getenv: func(key string) string {
			if key == "LANG" {
				return "en_US.UTF-8"
			}
			return ""
		},
		Location: func() *time.Location { return time.UTC },
	}
}

func TestCollector_Collect(t *testing.T) {
	t.Run("reads every signal", func(t *testing.T) {
		s := fixedCollector().Collect()

		assert.Equal(t, "kiosk-01", s.Hostname)
		assert.Equal(t, "4c4c4544004d3510", s.MachineID)
		assert.Equal(t, "UTC", s.Timezone)
		assert.Equal(t, "en_US.UTF-8", s.Locale)
		assert.NotEmpty(t, s.OS)
		assert.Positive(t, s.CPUs)
	})

	t.Run("degrades when signals are unavailable", func(t *testing.T) {
		c := &Collector{
			Hostname: func() (string, error) { return "", errors.New("no hostname") },
			ReadFile: func(string) ([]byte, error) { return nil, errors.New("denied") },
		}

		s := c.Collect()

		assert.Empty(t, s.Hostname)
		assert.Empty(t, s.MachineID)
		assert.Empty(t, s.Timezone)
		assert.Empty(t, s.Locale)
		assert.True(t, IsValidFingerprint(s.Fingerprint()))
	})

	t.Run("falls back to the dbus machine id", func(t *testing.T) {
		c := fixedCollector()
		c.ReadFile = func(name string) ([]byte, error) {
			if name == "/var/lib/dbus/machine-id" {
				return []byte("dbus-id"), nil
			}
			return nil, errors.New("not found")
		}

		assert.Equal(t, "dbus-id", c.Collect().MachineID)
	})
}

func TestSignals_Fingerprint(t *testing.T) {
	t.Run("is deterministic", func(t *testing.T) {
		a := fixedCollector().Collect().Fingerprint()
		b := fixedCollector().Collect().Fingerprint()

		assert.Equal(t, a, b)
		assert.Len(t, a, 64)
		assert.Equal(t, strings.ToLower(a), a)
	})

	t.Run("changes with any signal", func(t *testing.T) {
		base := fixedCollector().Collect()
		other := base
		other.MachineID = "different"

		assert.NotEqual(t, base.Fingerprint(), other.Fingerprint())
	})

	t.Run("zero signals still produce a value", func(t *testing.T) {
		assert.True(t, IsValidFingerprint(Signals{}.Fingerprint()))
	})
}

func TestSignals_Info(t *testing.T) {
	s := fixedCollector().Collect()

	info := s.Info("")

	assert.Equal(t, "unknown", info.DeviceType)
	assert.Equal(t, s.Fingerprint(), info.Fingerprint)
	assert.True(t, strings.HasPrefix(info.Browser, "devicesync-agent/"))
	assert.Contains(t, info.OS, s.OS)
}

func TestIsValidFingerprint(t *testing.T) {
	valid := Signals{}.Fingerprint()

	tests := []struct {
		name     string
		fp       string
		expected bool
	}{
		{"generated", valid, true},
		{"uppercase", strings.ToUpper(valid), true},
		{"padded", "  " + valid + " ", true},
		{"empty", "", false},
		{"too short", "abc123", false},
		{"invalid char", valid[:63] + "z", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsValidFingerprint(tt.fp))
		})
	}
}
