package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// OSFacts contains operating system information.
type OSFacts struct {
	ID         string `json:"id"`
	VersionID  string `json:"version_id"`
	PrettyName string `json:"pretty_name"`
	Kernel     string `json:"kernel"`
	Arch       string `json:"arch"`
	Hostname   string `json:"hostname"`
}

// MemoryFacts contains memory information from /proc/meminfo.
type MemoryFacts struct {
	TotalMB     int64 `json:"total_mb"`
	AvailableMB int64 `json:"available_mb"`
}

// DiskFacts contains filesystem usage for the root mount.
type DiskFacts struct {
	MountPoint  string `json:"mount_point"`
	TotalGB     int64  `json:"total_gb"`
	AvailableGB int64  `json:"available_gb"`
}

// RuntimeFacts contains process-level facts.
type RuntimeFacts struct {
	EUID         int  `json:"euid"`
	CPUCount     int  `json:"cpu_count"`
	AptAvailable bool `json:"apt_available"`
}

// SystemFacts aggregates the locally collected host facts.
type SystemFacts struct {
	OS          OSFacts      `json:"os"`
	Memory      MemoryFacts  `json:"memory"`
	Disk        DiskFacts    `json:"disk"`
	Runtime     RuntimeFacts `json:"runtime"`
	CollectedAt time.Time    `json:"collected_at"`
}

// Requirements are the host conditions enforced before any module runs.
type Requirements struct {
	// SupportedOS lists acceptable os-release IDs.
	SupportedOS []string `json:"supported_os"`

	// MinMemoryMB is the minimum total memory.
	MinMemoryMB int64 `json:"min_memory_mb"`

	// MinDiskGB is the minimum available space on the root mount.
	MinDiskGB int64 `json:"min_disk_gb"`

	// RequireRoot demands euid 0 unless the run is a dry run.
	RequireRoot bool `json:"require_root"`
}

// DefaultRequirements returns the requirements used when configuration
// is silent.
func DefaultRequirements() Requirements {
	return Requirements{
		SupportedOS: []string{"debian", "ubuntu"},
		MinMemoryMB: 1024,
		MinDiskGB:   10,
		RequireRoot: true,
	}
}

// PreflightChecker collects local system facts and enforces the install
// requirements. It implements SystemValidator.
type PreflightChecker struct {
	// requirements are the enforced host conditions
	requirements Requirements

	// dryRun relaxes the root requirement
	dryRun bool

	// logger records check progress
	logger zerolog.Logger

	// osReleasePath, meminfoPath, kernelPath are overridable for tests
	osReleasePath string
	meminfoPath   string
	kernelPath    string

	// rootMount is the filesystem checked for free space
	rootMount string

	// euid returns the effective user id; injectable for tests
	euid func() int

	// lookPath resolves binaries on PATH; injectable for tests
	lookPath func(file string) (string, error)

	// statfs reports filesystem totals in bytes; injectable for tests
	statfs func(path string) (total, avail uint64, err error)
}

// NewPreflightChecker creates a checker enforcing the given requirements.
func NewPreflightChecker(requirements Requirements, dryRun bool, logger zerolog.Logger) *PreflightChecker {
	return &PreflightChecker{
		requirements:  requirements,
		dryRun:        dryRun,
		logger:        logger.With().Str("component", "preflight").Logger(),
		osReleasePath: "/etc/os-release",
		meminfoPath:   "/proc/meminfo",
		kernelPath:    "/proc/sys/kernel/osrelease",
		rootMount:     "/",
		euid:          os.Geteuid,
		lookPath:      exec.LookPath,
		statfs:        statfsBytes,
	}
}

// CollectFacts gathers the local system facts. Individual probe failures
// degrade the affected fact instead of failing the collection.
func (c *PreflightChecker) CollectFacts(ctx context.Context) (*SystemFacts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	facts := &SystemFacts{CollectedAt: time.Now()}

	facts.OS = c.collectOSFacts()
	facts.Memory = c.collectMemoryFacts()
	facts.Disk = c.collectDiskFacts()
	facts.Runtime = c.collectRuntimeFacts()

	c.logger.Debug().
		Str("os", facts.OS.ID).
		Str("version", facts.OS.VersionID).
		Int64("memory_mb", facts.Memory.TotalMB).
		Int64("disk_gb", facts.Disk.AvailableGB).
		Msg("Collected system facts")

	return facts, nil
}

// ValidateSystem collects facts and enforces the requirements.
func (c *PreflightChecker) ValidateSystem(ctx context.Context) error {
	facts, err := c.CollectFacts(ctx)
	if err != nil {
		return NewValidationError("failed to collect system facts", err)
	}
	return c.CheckRequirements(facts)
}

// CheckRequirements enforces the requirements against collected facts.
func (c *PreflightChecker) CheckRequirements(facts *SystemFacts) error {
	if len(c.requirements.SupportedOS) > 0 {
		supported := false
		for _, id := range c.requirements.SupportedOS {
			if strings.EqualFold(facts.OS.ID, id) {
				supported = true
				break
			}
		}
		if !supported {
			return NewValidationError(
				fmt.Sprintf("unsupported operating system %q (need one of: %s)",
					facts.OS.ID, strings.Join(c.requirements.SupportedOS, ", ")),
				nil,
			)
		}
	}

	if c.requirements.MinMemoryMB > 0 && facts.Memory.TotalMB < c.requirements.MinMemoryMB {
		return NewValidationError(
			fmt.Sprintf("insufficient memory: %d MB available, %d MB required",
				facts.Memory.TotalMB, c.requirements.MinMemoryMB),
			nil,
		)
	}

	if c.requirements.MinDiskGB > 0 && facts.Disk.AvailableGB < c.requirements.MinDiskGB {
		return NewValidationError(
			fmt.Sprintf("insufficient disk space on %s: %d GB free, %d GB required",
				facts.Disk.MountPoint, facts.Disk.AvailableGB, c.requirements.MinDiskGB),
			nil,
		)
	}

	if c.requirements.RequireRoot && !c.dryRun && facts.Runtime.EUID != 0 {
		return NewValidationError("must run as root (use --dry-run to preview without privileges)", nil)
	}

	if !facts.Runtime.AptAvailable && !c.dryRun {
		return NewValidationError("apt-get not found on PATH", nil)
	}

	return nil
}

// collectOSFacts parses /etc/os-release plus kernel and arch probes.
func (c *PreflightChecker) collectOSFacts() OSFacts {
	facts := OSFacts{Arch: runtime.GOARCH}

	if data, err := os.ReadFile(c.osReleasePath); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			switch {
			case strings.HasPrefix(line, "ID="):
				facts.ID = strings.Trim(strings.TrimPrefix(line, "ID="), "\"")
			case strings.HasPrefix(line, "VERSION_ID="):
				facts.VersionID = strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), "\"")
			case strings.HasPrefix(line, "PRETTY_NAME="):
				facts.PrettyName = strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
			}
		}
	} else {
		c.logger.Warn().Err(err).Msg("Failed to read os-release")
	}

	if data, err := os.ReadFile(c.kernelPath); err == nil {
		facts.Kernel = strings.TrimSpace(string(data))
	}

	if hostname, err := os.Hostname(); err == nil {
		facts.Hostname = hostname
	}

	return facts
}

// collectMemoryFacts parses /proc/meminfo.
func (c *PreflightChecker) collectMemoryFacts() MemoryFacts {
	facts := MemoryFacts{}

	data, err := os.ReadFile(c.meminfoPath)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read meminfo")
		return facts
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		value, _ := strconv.ParseInt(fields[1], 10, 64)

		switch fields[0] {
		case "MemTotal:":
			facts.TotalMB = value / 1024
		case "MemAvailable:":
			facts.AvailableMB = value / 1024
		}
	}

	return facts
}

// collectDiskFacts reports usage of the root mount.
func (c *PreflightChecker) collectDiskFacts() DiskFacts {
	facts := DiskFacts{MountPoint: c.rootMount}

	total, avail, err := c.statfs(c.rootMount)
	if err != nil {
		c.logger.Warn().Err(err).Str("mount", c.rootMount).Msg("Failed to stat filesystem")
		return facts
	}

	const gb = 1024 * 1024 * 1024
	facts.TotalGB = int64(total / gb)
	facts.AvailableGB = int64(avail / gb)
	return facts
}

// collectRuntimeFacts reports process-level facts.
func (c *PreflightChecker) collectRuntimeFacts() RuntimeFacts {
	facts := RuntimeFacts{
		EUID:     c.euid(),
		CPUCount: runtime.NumCPU(),
	}

	if _, err := c.lookPath("apt-get"); err == nil {
		facts.AptAvailable = true
	}

	return facts
}

// statfsBytes returns total and available bytes for the filesystem at path.
func statfsBytes(path string) (uint64, uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
