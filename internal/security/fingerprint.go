package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// UnknownProbe is substituted for any hardware attribute that cannot be read.
// Probes must never abort identity computation; a partially known identity is
// still deterministic on the same machine.
const UnknownProbe = "UNKNOWN"

// truncatedIDLength is the length of the legacy short-form hardware id.
// Short ids are accepted during matching only; they are never produced.
const truncatedIDLength = 16

// HardwareIdentity represents the device identity the license is bound to
type HardwareIdentity struct {
	Fingerprint string    `json:"fingerprint"`
	MACAddress  string    `json:"mac_address"`
	CPUID       string    `json:"cpu_id"`
	DiskSerial  string    `json:"disk_serial"`
	OSInstallID string    `json:"os_install_id"`
	GeneratedAt time.Time `json:"generated_at"`
}

// FingerprintManager computes and caches the device hardware identity
type FingerprintManager struct {
	cache         *HardwareIdentity
	cacheMutex    sync.RWMutex
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewFingerprintManager creates a new fingerprint manager with caching
func NewFingerprintManager() *FingerprintManager {
	return &FingerprintManager{
		cacheDuration: 1 * time.Hour,
	}
}

// ComputeHardwareID returns the canonical full-digest hardware id.
// It never fails: failed probes degrade to the UNKNOWN sentinel.
func (fm *FingerprintManager) ComputeHardwareID() string {
	return fm.Identity().Fingerprint
}

// Identity returns the full hardware identity, computing it at most once per
// cache window.
func (fm *FingerprintManager) Identity() *HardwareIdentity {
	fm.cacheMutex.RLock()
	if fm.cache != nil && time.Now().Before(fm.cacheExpiry) {
		cached := *fm.cache
		fm.cacheMutex.RUnlock()
		return &cached
	}
	fm.cacheMutex.RUnlock()

	start := time.Now()

	mac := fm.probeMACAddress()
	cpu := fm.probeCPUID()
	disk := fm.probeDiskSerial()
	osID := fm.probeOSInstallID()

	combined := strings.Join([]string{mac, cpu, disk, osID}, "|")
	hash := sha256.Sum256([]byte(combined))

	identity := &HardwareIdentity{
		Fingerprint: hex.EncodeToString(hash[:]),
		MACAddress:  mac,
		CPUID:       cpu,
		DiskSerial:  disk,
		OSInstallID: osID,
		GeneratedAt: time.Now(),
	}

	fm.cacheMutex.Lock()
	fm.cache = identity
	fm.cacheExpiry = time.Now().Add(fm.cacheDuration)
	fm.cacheMutex.Unlock()

	slog.Debug("Hardware identity computed",
		slog.String("fingerprint", identity.Fingerprint),
		slog.String("mac_address", mac),
		slog.Duration("generation_time", time.Since(start)),
	)

	return identity
}

// Matches reports whether a stored hardware id refers to this machine.
// Three historical formats are accepted: the canonical 64-hex digest, the
// legacy 16-character truncated digest, and the raw MAC with colons stripped.
func (fm *FingerprintManager) Matches(stored string) bool {
	if stored == "" {
		return false
	}
	identity := fm.Identity()

	if stored == identity.Fingerprint {
		return true
	}

	if len(stored) == truncatedIDLength && strings.HasPrefix(identity.Fingerprint, stored) {
		return true
	}

	strippedMAC := strings.ReplaceAll(identity.MACAddress, ":", "")
	if strippedMAC != "" && strings.EqualFold(stored, strippedMAC) {
		return true
	}

	return false
}

// ClearCache clears the cached identity
func (fm *FingerprintManager) ClearCache() {
	fm.cacheMutex.Lock()
	defer fm.cacheMutex.Unlock()

	fm.cache = nil
	fm.cacheExpiry = time.Time{}
}

// probeMACAddress returns the primary network interface MAC address.
func (fm *FingerprintManager) probeMACAddress() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		slog.Warn("Failed to list network interfaces, using fallback",
			slog.String("error", err.Error()),
		)
		return UnknownProbe
	}

	// Prefer the first non-loopback, up interface with a MAC address
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac
		}
	}

	// Fallback: any interface with a MAC address
	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac
		}
	}

	return UnknownProbe
}

// probeCPUID returns a stable CPU descriptor (OS-specific)
func (fm *FingerprintManager) probeCPUID() string {
	switch runtime.GOOS {
	case "windows":
		if procID := os.Getenv("PROCESSOR_IDENTIFIER"); procID != "" {
			hash := sha256.Sum256([]byte(procID))
			return hex.EncodeToString(hash[:8])
		}
	case "linux":
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") || strings.HasPrefix(line, "cpu family") {
					hash := sha256.Sum256([]byte(line))
					return hex.EncodeToString(hash[:8])
				}
			}
		}
	}

	// Architecture-level fallback is still deterministic per machine
	cpuInfo := fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
	hash := sha256.Sum256([]byte(cpuInfo))
	return hex.EncodeToString(hash[:8])
}

// probeDiskSerial returns the primary disk serial number where the platform
// exposes one without shelling out.
func (fm *FingerprintManager) probeDiskSerial() string {
	if runtime.GOOS != "linux" {
		return UnknownProbe
	}

	candidates, err := filepath.Glob("/sys/block/*/device/serial")
	if err != nil || len(candidates) == 0 {
		return UnknownProbe
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		serial := strings.TrimSpace(string(data))
		if serial != "" {
			return serial
		}
	}

	return UnknownProbe
}

// probeOSInstallID returns the OS installation identifier
func (fm *FingerprintManager) probeOSInstallID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id
		}
	}

	return UnknownProbe
}
