// Package identity derives a stable device fingerprint from local environment signals.
package identity

import (
	"encoding/hex"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/chargesync/devicesync/internal/models"
)

const agentName = "devicesync-agent"

var fingerprintRegex = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Signals are the device characteristics a fingerprint is derived from.
// Any field may be empty when the platform does not expose it.
type Signals struct {
	OS        string
	Arch      string
	CPUs      int
	Hostname  string
	MachineID string
	Timezone  string
	Locale    string
}

// Collector gathers Signals. Its hooks default to the real environment.
type Collector struct {
	Hostname func() (string, error)
	ReadFile func(name string) ([]byte, error)
	Getenv   func(key string) string
	Location func() *time.Location
}

// NewCollector returns a Collector reading the running host
func NewCollector() *Collector {
	return &Collector{
		Hostname: os.Hostname,
		ReadFile: os.ReadFile,
		Getenv:   os.Getenv,
		Location: func() *time.Location { return time.Local },
	}
}

var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// Collect reads every signal, substituting the zero value for those that fail
func (c *Collector) Collect() Signals {
	s := Signals{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
		CPUs: runtime.NumCPU(),
	}

	if c.Hostname != nil {
		if name, err := c.Hostname(); err == nil {
			s.Hostname = strings.ToLower(strings.TrimSpace(name))
		}
	}

	if c.ReadFile != nil {
		for _, path := range machineIDPaths {
			if data, err := c.ReadFile(path); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					s.MachineID = id
					break
				}
			}
		}
	}

	if c.Location != nil {
		// Zone name only; the UTC offset moves with daylight saving
		if loc := c.Location(); loc != nil {
			s.Timezone = loc.String()
		}
	}

	if c.Getenv != nil {
		for _, key := range []string{"LC_ALL", "LANG"} {
			if v := c.Getenv(key); v != "" {
				s.Locale = v
				break
			}
		}
	}

	return s
}

// Fingerprint hashes the signals into a 64-char lowercase hex string.
// Equal signals always produce the same fingerprint.
func (s Signals) Fingerprint() string {
	var b strings.Builder
	b.WriteString("os=" + s.OS + "\n")
	b.WriteString("arch=" + s.Arch + "\n")
	b.WriteString("cpus=" + strconv.Itoa(s.CPUs) + "\n")
	b.WriteString("host=" + s.Hostname + "\n")
	b.WriteString("machine=" + s.MachineID + "\n")
	b.WriteString("tz=" + s.Timezone + "\n")
	b.WriteString("locale=" + s.Locale + "\n")

	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Info describes this device to the authority
func (s Signals) Info(deviceType string) models.DeviceInfo {
	if deviceType == "" {
		deviceType = models.DeviceTypeUnknown
	}
	return models.DeviceInfo{
		DeviceType:  deviceType,
		Browser:     agentName + "/" + runtime.Version(),
		OS:          s.OS + "/" + s.Arch,
		Fingerprint: s.Fingerprint(),
	}
}

// Fingerprint computes the fingerprint of the running host
func Fingerprint() string {
	return NewCollector().Collect().Fingerprint()
}

// NormalizeFingerprint trims and lowercases a fingerprint received from elsewhere
func NormalizeFingerprint(fp string) string {
	return strings.ToLower(strings.TrimSpace(fp))
}

// IsValidFingerprint reports whether fp has the shape Fingerprint produces
func IsValidFingerprint(fp string) bool {
	return fingerprintRegex.MatchString(NormalizeFingerprint(fp))
}
