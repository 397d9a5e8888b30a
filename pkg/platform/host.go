package platform

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/containerd/cgroups"
	"github.com/cuemby/rtrm/pkg/log"
	"github.com/cuemby/rtrm/pkg/metrics"
	"github.com/cuemby/rtrm/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	minCFSPeriodUs     = int64(1000)
	maxCFSPeriodUs     = int64(1_000_000)
	defaultCFSPeriodUs = int64(100_000)

	// SilosName is the quarantine cgroup's fixed path segment.
	SilosName = "silos"
)

// Host is the production Proxy: it actuates assignments as Linux control
// groups under cgRoot/res, one subtree per EXC, following the layout
// `<cg_root>/res/<pid>:<name6>:<exc_id2>`.
type Host struct {
	cgRoot string
	logger zerolog.Logger

	mu         sync.Mutex
	controls   map[types.ExcID]cgroups.Cgroup
	silos      cgroups.Cgroup
}

// NewHost creates a Host proxy rooted at cgRoot (e.g. "/sys/fs/cgroup" via
// a named slice, or a test-writable root under a tmp mount). It creates the
// root/res subtree and the silos quarantine group eagerly, matching the
// reference daemon's behavior of creating `silos` at daemon start.
func NewHost(cgRoot string) (*Host, error) {
	h := &Host{
		cgRoot:   cgRoot,
		logger:   log.WithComponent("platform.host"),
		controls: make(map[types.ExcID]cgroups.Cgroup),
	}

	resPath := cgroups.StaticPath(h.resRoot())
	control, err := cgroups.New(cgroups.V1, resPath, &specs.LinuxResources{})
	if err != nil {
		return nil, fmt.Errorf("host proxy: create res root: %w", err)
	}
	control.Delete() //nolint:errcheck // only used to ensure the mount point exists; subgroups are created per EXC

	silos, err := cgroups.New(cgroups.V1, cgroups.StaticPath(h.silosPath()), &specs.LinuxResources{})
	if err != nil {
		return nil, fmt.Errorf("host proxy: create silos: %w", err)
	}
	h.silos = silos

	return h, nil
}

func (h *Host) resRoot() string {
	return fmt.Sprintf("%s/res", h.cgRoot)
}

func (h *Host) silosPath() string {
	return fmt.Sprintf("%s/%s", h.resRoot(), SilosName)
}

func (h *Host) excPath(exc *types.ExecutionContext) string {
	name := exc.Name
	if len(name) > 6 {
		name = name[:6]
	}
	return fmt.Sprintf("%s/%d:%s:%02d", h.resRoot(), exc.ID.Pid, name, exc.ID.ExcNum)
}

// Setup creates the EXC's own cgroup under res/, with no resource limits
// written; the EXC is not placed in silos before its first MapResources
// call. Idempotent:
// a repeat call for an EXC that already has a cgroup is a no-op, since
// phaseDoChange calls Setup on every actuation round, not only the first.
func (h *Host) Setup(exc *types.ExecutionContext) error {
	timer := metrics.NewTimer()
	defer func() { timer.ObserveDurationVec(metrics.PlatformActuationDuration, "setup") }()

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.controls[exc.ID]; ok {
		return nil
	}

	control, err := cgroups.New(cgroups.V1, cgroups.StaticPath(h.excPath(exc)), &specs.LinuxResources{})
	if err != nil {
		metrics.PlatformActuationErrors.WithLabelValues("setup").Inc()
		return fmt.Errorf("host proxy: setup %s: %w", exc.ID, err)
	}
	h.controls[exc.ID] = control
	return nil
}

// MapResources writes cpuset.cpus, cpuset.mems, cpu.cfs_period_us,
// cpu.cfs_quota_us and memory.limit_in_bytes per the component design.
func (h *Host) MapResources(exc *types.ExecutionContext, assignment types.ResourceAssignmentMap, exclusive bool) error {
	timer := metrics.NewTimer()
	defer func() { timer.ObserveDurationVec(metrics.PlatformActuationDuration, "map_resources") }()

	h.mu.Lock()
	control, ok := h.controls[exc.ID]
	h.mu.Unlock()
	if !ok {
		metrics.PlatformActuationErrors.WithLabelValues("map_resources").Inc()
		return fmt.Errorf("host proxy: map_resources %s: cgroup not set up", exc.ID)
	}

	pes, memBytes := splitAssignment(assignment)

	period := defaultCFSPeriodUs
	if exc.Profile != nil && exc.Profile.CycleTimeMs > 0 {
		period = clampInt64(int64(exc.Profile.CycleTimeMs*1000), minCFSPeriodUs, maxCFSPeriodUs)
	}
	bandwidthPct := int64(len(pes)) * 100 // one PE == 100% of one core's bandwidth
	quota := period * bandwidthPct / 100

	cpus := joinPEIndices(pes)
	resources := &specs.LinuxResources{
		CPU: &specs.LinuxCPU{
			Cpus:   cpus,
			Mems:   "0",
			Period: uint64Ptr(uint64(period)),
			Quota:  int64Ptr(quota),
		},
	}
	if memBytes > 0 {
		resources.Memory = &specs.LinuxMemory{Limit: int64Ptr(memBytes)}
	}

	if err := control.Update(resources); err != nil {
		metrics.PlatformActuationErrors.WithLabelValues("map_resources").Inc()
		return fmt.Errorf("host proxy: map_resources %s: %w", exc.ID, err)
	}
	return nil
}

// Release removes the EXC's cgroup entirely.
func (h *Host) Release(exc *types.ExecutionContext) error {
	timer := metrics.NewTimer()
	defer func() { timer.ObserveDurationVec(metrics.PlatformActuationDuration, "release") }()

	h.mu.Lock()
	control, ok := h.controls[exc.ID]
	delete(h.controls, exc.ID)
	h.mu.Unlock()
	if !ok {
		return nil
	}

	if err := control.Delete(); err != nil {
		metrics.PlatformActuationErrors.WithLabelValues("release").Inc()
		return fmt.Errorf("host proxy: release %s: %w", exc.ID, err)
	}
	return nil
}

// ReclaimResources withdraws the EXC's CPU bandwidth in place (empty
// cpuset, zero CFS quota) without deleting its cgroup; this is the
// quarantine used on Phase-3 actuation failures. The EXC is not moved into
// the silos cgroup.
func (h *Host) ReclaimResources(exc *types.ExecutionContext) error {
	timer := metrics.NewTimer()
	defer func() { timer.ObserveDurationVec(metrics.PlatformActuationDuration, "reclaim") }()

	h.mu.Lock()
	control, ok := h.controls[exc.ID]
	h.mu.Unlock()
	if !ok {
		return nil
	}

	if err := control.Update(&specs.LinuxResources{
		CPU: &specs.LinuxCPU{Cpus: "", Period: uint64Ptr(uint64(defaultCFSPeriodUs)), Quota: int64Ptr(0)},
	}); err != nil {
		metrics.PlatformActuationErrors.WithLabelValues("reclaim").Inc()
		return fmt.Errorf("host proxy: reclaim %s: %w", exc.ID, err)
	}
	h.logger.Warn().Str("exc", exc.ID.String()).Msg("quarantined: cpu bandwidth withdrawn")
	return nil
}

// Refresh re-enumerates host topology. Single-host deployments have no
// hotplug handling yet; this is a placeholder for a future refresh path.
func (h *Host) Refresh() error {
	return nil
}

func splitAssignment(assignment types.ResourceAssignmentMap) (pes []int, memBytes int64) {
	for path, qty := range assignment {
		switch {
		case strings.Contains(path, ".cpu") && strings.Contains(path, ".pe"):
			if idx, ok := peIndex(path); ok {
				for i := int64(0); i < qty; i++ {
					pes = append(pes, idx)
				}
			}
		case strings.Contains(path, ".mem"):
			memBytes += qty
		}
	}
	return pes, memBytes
}

func peIndex(path string) (int, bool) {
	i := strings.LastIndex(path, ".pe")
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(path[i+3:])
	if err != nil {
		return 0, false
	}
	return n, true
}

func joinPEIndices(pes []int) string {
	parts := make([]string, len(pes))
	for i, p := range pes {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func uint64Ptr(v uint64) *uint64 { return &v }
func int64Ptr(v int64) *int64    { return &v }
