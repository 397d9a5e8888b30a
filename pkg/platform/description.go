package platform

import (
	"fmt"
	"runtime"

	"github.com/cuemby/rtrm/pkg/types"
	"golang.org/x/sys/unix"
)

// SystemDescription is one locality domain's resource inventory: its
// processing elements and its memory capacity. A single-host deployment
// has exactly one, named "sys0".
type SystemDescription struct {
	SystemID    string
	ProcessingElements int
	MemoryBytes int64
}

// Discover enumerates the local host's processing elements and memory and
// returns the resource list the accountant should Register during startup.
// It is the Host proxy's concrete answer to the "platform enumeration"
// step the component design assumes but leaves unspecified.
func Discover() ([]SystemDescription, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return nil, fmt.Errorf("platform discover: %w", err)
	}

	return []SystemDescription{
		{
			SystemID:           "sys0",
			ProcessingElements: runtime.NumCPU(),
			MemoryBytes:        int64(info.Totalram) * int64(info.Unit),
		},
	}, nil
}

// ResourceList expands a SystemDescription into the per-PE and per-memory
// resources the accountant expects, all sitting in the conventional
// "sys0.cpu0.pe<n>" / "sys0.mem0.pe0" namespace.
func (s SystemDescription) ResourceList() []struct {
	Path  types.ResourcePath
	Units string
	Total int64
} {
	out := make([]struct {
		Path  types.ResourcePath
		Units string
		Total int64
	}, 0, s.ProcessingElements+1)

	for i := 0; i < s.ProcessingElements; i++ {
		path, err := types.ParsePath(fmt.Sprintf("%s.cpu0.pe%d", s.SystemID, i))
		if err != nil {
			continue
		}
		out = append(out, struct {
			Path  types.ResourcePath
			Units string
			Total int64
		}{Path: path, Units: "count", Total: 1})
	}

	memPath, err := types.ParsePath(fmt.Sprintf("%s.mem0.pe0", s.SystemID))
	if err == nil {
		out = append(out, struct {
			Path  types.ResourcePath
			Units string
			Total int64
		}{Path: memPath, Units: "bytes", Total: s.MemoryBytes})
	}

	return out
}
