package platform

import (
	"fmt"

	"github.com/cuemby/rtrm/pkg/types"
)

// Proxy is the capability record every platform actuation backend
// implements: Setup, MapResources, Release, ReclaimResources, Refresh. It
// replaces the source's inheritance hierarchy of proxy subclasses with a
// single interface and explicit composition.
type Proxy interface {
	// Setup prepares whatever host-side state an EXC needs before its
	// first MapResources call (e.g. creating its control group).
	Setup(exc *types.ExecutionContext) error

	// MapResources actuates assignment for exc. exclusive is passed
	// through from the caller; the Host and Test backends do not act on it.
	MapResources(exc *types.ExecutionContext, assignment types.ResourceAssignmentMap, exclusive bool) error

	// Release tears down whatever Setup created for exc.
	Release(exc *types.ExecutionContext) error

	// ReclaimResources forcibly withdraws exc's current assignment without
	// removing its host-side state (used when quarantining a participant
	// after a Phase-3 actuation failure).
	ReclaimResources(exc *types.ExecutionContext) error

	// Refresh re-enumerates platform topology, e.g. after a hotplug event.
	Refresh() error
}

// CompositeProxy fans every call out to a local proxy first, then to each
// auxiliary proxy in order. The first error aborts the fan-out and is
// returned; later proxies are not called for that invocation.
type CompositeProxy struct {
	Local      Proxy
	Auxiliary  []Proxy
}

// NewCompositeProxy builds a composite with the given local proxy and zero
// or more auxiliary proxies (e.g. accelerator-runtime backends).
func NewCompositeProxy(local Proxy, auxiliary ...Proxy) *CompositeProxy {
	return &CompositeProxy{Local: local, Auxiliary: auxiliary}
}

func (c *CompositeProxy) fanOut(op string, call func(Proxy) error) error {
	if err := call(c.Local); err != nil {
		return fmt.Errorf("platform %s (local): %w", op, err)
	}
	for i, aux := range c.Auxiliary {
		if err := call(aux); err != nil {
			return fmt.Errorf("platform %s (auxiliary %d): %w", op, i, err)
		}
	}
	return nil
}

func (c *CompositeProxy) Setup(exc *types.ExecutionContext) error {
	return c.fanOut("setup", func(p Proxy) error { return p.Setup(exc) })
}

func (c *CompositeProxy) MapResources(exc *types.ExecutionContext, assignment types.ResourceAssignmentMap, exclusive bool) error {
	return c.fanOut("map_resources", func(p Proxy) error { return p.MapResources(exc, assignment, exclusive) })
}

func (c *CompositeProxy) Release(exc *types.ExecutionContext) error {
	return c.fanOut("release", func(p Proxy) error { return p.Release(exc) })
}

func (c *CompositeProxy) ReclaimResources(exc *types.ExecutionContext) error {
	return c.fanOut("reclaim_resources", func(p Proxy) error { return p.ReclaimResources(exc) })
}

func (c *CompositeProxy) Refresh() error {
	return c.fanOut("refresh", func(p Proxy) error { return p.Refresh() })
}
