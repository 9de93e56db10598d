// Package resources manages per-job cgroup v2 resource controls: creating
// a job's cgroup directory, populating its interface files, adding
// processes to it, and tearing it down.
package resources

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const cgroupRoot = "/sys/fs/cgroup"

// CgroupConfig holds six optional per-resource limits, paired as
// max/weight for cpu, memory, and io. A zero-value CgroupConfig is
// functionally a no-op: Init still creates the directory (so a pid can
// still be placed in an otherwise-unconstrained cgroup) but writes no
// limit files.
type CgroupConfig struct {
	CPUMax       string
	CPUWeight    *uint64
	MemoryMax    string
	MemoryWeight *uint64
	IOMax        string
	IOWeight     *uint64

	path string
	fd   int
}

// ensureMounted makes sure /sys/fs/cgroup is the unified (cgroup2)
// hierarchy, mounting cgroup2 there when it is not.
func ensureMounted() error {
	var st unix.Statfs_t
	if err := unix.Statfs(cgroupRoot, &st); err == nil && st.Type == unix.CGROUP2_SUPER_MAGIC {
		return nil
	}
	if err := unix.Mount("cgroup2", cgroupRoot, "cgroup2", 0, ""); err != nil {
		return fmt.Errorf("cgroup hierarchy not available: %w", err)
	}
	return nil
}

// Init ensures the unified cgroup hierarchy is mounted, creates
// /sys/fs/cgroup/${commandName}_${jobID}, writes each present field to its
// interface file, and opens a directory fd for use with
// SysProcAttr.CgroupFD. Absent fields write nothing.
func (c *CgroupConfig) Init(commandName string, jobID uuid.UUID) error {
	if err := ensureMounted(); err != nil {
		return err
	}

	path := filepath.Join(cgroupRoot, fmt.Sprintf("%s_%s", commandName, jobID))
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create cgroup directory: %w", err)
	}

	writes := []struct {
		file  string
		value string
		ok    bool
	}{
		{"cpu.max", c.CPUMax, c.CPUMax != ""},
		{"cpu.weight", weightString(c.CPUWeight), c.CPUWeight != nil},
		{"memory.max", c.MemoryMax, c.MemoryMax != ""},
		{"memory.weight", weightString(c.MemoryWeight), c.MemoryWeight != nil},
		{"io.max", c.IOMax, c.IOMax != ""},
		{"io.weight", weightString(c.IOWeight), c.IOWeight != nil},
	}
	for _, w := range writes {
		if !w.ok {
			continue
		}
		if err := os.WriteFile(filepath.Join(path, w.file), []byte(w.value), 0644); err != nil {
			os.RemoveAll(path)
			return fmt.Errorf("failed to set %s: %w", w.file, err)
		}
	}

	// cgroup.procs is normally synthesized by the kernel the moment the
	// directory is created; this guards the rare case (e.g. a stub
	// filesystem in tests) where it isn't there yet.
	procsPath := filepath.Join(path, "cgroup.procs")
	if _, err := os.Stat(procsPath); os.IsNotExist(err) {
		if f, err := os.OpenFile(procsPath, os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			f.Close()
		}
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		os.RemoveAll(path)
		return fmt.Errorf("failed to open cgroup directory fd: %w", err)
	}

	c.path = path
	c.fd = fd
	return nil
}

// FD returns the cgroup directory file descriptor for SysProcAttr.CgroupFD.
// Init must have succeeded first.
func (c *CgroupConfig) FD() int {
	return c.fd
}

// AddProcess opens cgroup.procs in append mode and writes pid followed by
// a newline. Idempotent from the caller's perspective: the kernel silently
// rejects an already-present pid.
func (c *CgroupConfig) AddProcess(pid int) error {
	f, err := os.OpenFile(filepath.Join(c.path, "cgroup.procs"), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open cgroup.procs: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		return fmt.Errorf("failed to add process to cgroup: %w", err)
	}
	return nil
}

// Delete closes the directory fd, unmounts the hierarchy, and removes the
// cgroup directory tree. Best-effort: the unmount is expected to fail when
// other cgroups are still active under the same mount, which is the
// common case, and that failure does not prevent directory removal.
func (c *CgroupConfig) Delete() error {
	if c.fd != 0 {
		unix.Close(c.fd)
	}
	unix.Unmount(cgroupRoot, 0)
	if err := os.RemoveAll(c.path); err != nil {
		return fmt.Errorf("failed to remove cgroup directory: %w", err)
	}
	return nil
}

func weightString(w *uint64) string {
	if w == nil {
		return ""
	}
	return strconv.FormatUint(*w, 10)
}
