package probe

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const cgroupRoot = "/sys/fs/cgroup"

// cgroupVersion returns the detected cgroup version (1 or 2)
func cgroupVersion() int {
	if _, err := os.Stat(filepath.Join(cgroupRoot, "cgroup.controllers")); err == nil {
		return 2
	}
	return 1
}

// cgroupStrategy reads memory usage from the cgroup containing the process.
// Unlike per-process RSS this accounts for the whole process group, which is
// what the kernel OOM killer actually budgets against. Linux only.
type cgroupStrategy struct{}

func (cgroupStrategy) Name() string { return "cgroup" }

func (cgroupStrategy) Measure(pid int32) (*MemoryInfo, error) {
	usageFile, err := memoryUsageFile(pid)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(usageFile)
	if err != nil {
		return nil, fmt.Errorf("cgroup: %w", err)
	}
	bytes, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return nil, fmt.Errorf("cgroup: bad usage value %q", strings.TrimSpace(string(data)))
	}
	return &MemoryInfo{RSSMB: bytes / 1024 / 1024}, nil
}

// memoryUsageFile resolves the usage file for the cgroup the pid belongs to.
// v2 exposes memory.current on the unified hierarchy; v1 keeps
// memory.usage_in_bytes under the memory controller.
func memoryUsageFile(pid int32) (string, error) {
	path, err := cgroupPathFor(pid)
	if err != nil {
		return "", err
	}
	if cgroupVersion() == 2 {
		return filepath.Join(cgroupRoot, path, "memory.current"), nil
	}
	return filepath.Join(cgroupRoot, "memory", path, "memory.usage_in_bytes"), nil
}

// cgroupPathFor parses /proc/<pid>/cgroup. Lines look like
// "0::/user.slice/session.scope" (v2) or "4:memory:/some/path" (v1).
func cgroupPathFor(pid int32) (string, error) {
	file, err := os.Open(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", fmt.Errorf("cgroup: %w", err)
	}
	defer file.Close()

	v2 := cgroupVersion() == 2
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		if v2 && parts[0] == "0" {
			return parts[2], nil
		}
		if !v2 {
			for _, controller := range strings.Split(parts[1], ",") {
				if controller == "memory" {
					return parts[2], nil
				}
			}
		}
	}
	return "", fmt.Errorf("cgroup: no memory cgroup found for pid %d", pid)
}
