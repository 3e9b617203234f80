package preflight

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MinMemoryBytes is the minimum recommended available memory (1GB).
const MinMemoryBytes = 1 * 1024 * 1024 * 1024

// CheckMemory checks if there's sufficient memory available.
func (c *Checker) CheckMemory() CheckResult {
	result := CheckResult{
		Name:     "memory",
		Required: true,
	}

	available := availableMemory()

	if available < MinMemoryBytes {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("%s available (minimum: 1 GB)", formatBytes(available))
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("%s available (minimum: 1 GB)", formatBytes(available))
	return result
}

// availableMemory reports available system memory. On Linux it reads
// /proc/meminfo; elsewhere it assumes a reasonably provisioned host so
// the check does not fail spuriously.
func availableMemory() uint64 {
	if avail, ok := readMemAvailable("/proc/meminfo"); ok {
		return avail
	}
	return 4 * 1024 * 1024 * 1024
}

// readMemAvailable parses the MemAvailable line of a meminfo file.
// The value is reported in kB:
//
//	MemAvailable:   16218036 kB
func readMemAvailable(path string) (uint64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
