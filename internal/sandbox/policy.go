package sandbox

import (
	"fmt"
	"path"

	"github.com/docker/go-units"
)

// Policy defines the resource limits applied to every execution.
// Network access is always disabled and is not part of the policy.
type Policy struct {
	MemoryBytes int64  // memory ceiling, swap included
	NanoCPUs    int64  // CPU ceiling in 1e-9 CPUs
	PidsLimit   int64  // process count ceiling
	MountPath   string // workspace mount point and working directory
}

// DefaultPolicy returns the limits used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MemoryBytes: 512 * units.MiB,
		NanoCPUs:    5e8,
		PidsLimit:   64,
		MountPath:   "/code",
	}
}

// ParsePolicy builds a policy from human readable settings such as "512m" and 0.5.
func ParsePolicy(memory string, cpus float64, pidsLimit int64, mount string) (Policy, error) {
	mem, err := units.RAMInBytes(memory)
	if err != nil {
		return Policy{}, fmt.Errorf("parsing memory limit %q: %w", memory, err)
	}
	p := Policy{
		MemoryBytes: mem,
		NanoCPUs:    int64(cpus * 1e9),
		PidsLimit:   pidsLimit,
		MountPath:   mount,
	}
	return p, p.Validate()
}

// Validate reports whether the policy can be applied.
func (p Policy) Validate() error {
	if p.MemoryBytes < 6*units.MiB {
		return fmt.Errorf("memory limit %s is below the 6MiB engine minimum", units.BytesSize(float64(p.MemoryBytes)))
	}
	if p.NanoCPUs <= 0 {
		return fmt.Errorf("cpu limit must be positive")
	}
	if p.PidsLimit <= 0 {
		return fmt.Errorf("pids limit must be positive")
	}
	if !path.IsAbs(p.MountPath) {
		return fmt.Errorf("mount path %q must be absolute", p.MountPath)
	}
	return nil
}

// String renders the policy for logs.
func (p Policy) String() string {
	return fmt.Sprintf("memory=%s cpus=%.2f pids=%d network=none mount=%s",
		units.BytesSize(float64(p.MemoryBytes)), float64(p.NanoCPUs)/1e9, p.PidsLimit, p.MountPath)
}
