package telemetry

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessProbe reports whether the game process is running on this machine.
type ProcessProbe interface {
	GameRunning(ctx context.Context) (bool, error)
}

// DolphinProcessNames are lower-cased substrings of the emulator's process name.
var DolphinProcessNames = []string{"slippi dolphin", "dolphin-emu", "dolphin"}

// SystemProbe scans the process table with gopsutil.
type SystemProbe struct {
	Names []string
}

// NewSystemProbe looks for any of DolphinProcessNames.
func NewSystemProbe() *SystemProbe {
	return &SystemProbe{Names: DolphinProcessNames}
}

func (p *SystemProbe) GameRunning(ctx context.Context) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, err
	}
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			// process exited between listing and inspection
			continue
		}
		if matchesProcess(name, p.Names) {
			return true, nil
		}
	}
	return false, nil
}

func matchesProcess(name string, wanted []string) bool {
	name = strings.ToLower(name)
	for _, w := range wanted {
		if strings.Contains(name, w) {
			return true
		}
	}
	return false
}
