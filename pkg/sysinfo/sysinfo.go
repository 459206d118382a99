package sysinfo

import (
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"
)

// Info is the lightweight host snapshot carried in every heartbeat. The
// orchestrator stores it verbatim; it never drives scheduling decisions.
type Info struct {
	Hostname    string    `json:"hostname"`
	OS          string    `json:"os"`
	Arch        string    `json:"arch"`
	Kernel      string    `json:"kernel"`
	NumCPU      int       `json:"num_cpu"`
	LoadAverage string    `json:"load_average,omitempty"`
	DiskFreeMB  uint64    `json:"disk_free_mb,omitempty"`
	AgentUptime string    `json:"agent_uptime"`
	CollectedAt time.Time `json:"collected_at"`
}

var startTime = time.Now()

// Collect gathers the snapshot. Every probe is best-effort; a field the host
// cannot answer is left at its zero value.
func Collect() *Info {
	hostname, _ := os.Hostname()
	return &Info{
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		Kernel:      kernelVersion(),
		NumCPU:      runtime.NumCPU(),
		LoadAverage: loadAverage(),
		DiskFreeMB:  diskFreeMB("/"),
		AgentUptime: time.Since(startTime).Round(time.Second).String(),
		CollectedAt: time.Now().UTC(),
	}
}

func kernelVersion() string {
	out, err := exec.Command("uname", "-r").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func loadAverage() string {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return ""
	}
	return strings.Join(fields[:3], " ")
}

func diskFreeMB(path string) uint64 {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0
	}
	return st.Bavail * uint64(st.Bsize) / (1 << 20)
}
