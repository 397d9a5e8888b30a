package main

import (
	"fmt"

	"github.com/cuemby/rtrm/pkg/platform"
	"github.com/cuemby/rtrm/pkg/types"
)

// runPluginSelfTest exercises every platform.Proxy operation against the
// in-memory Test backend, the same battery a real cgroup host would have
// to pass, without touching the filesystem or requiring root. It is the
// concrete form of the "built-in platform-proxy self-test suite"
// --test-plugins invokes.
func runPluginSelfTest() error {
	proxy := platform.NewTest()
	exc := &types.ExecutionContext{ID: types.ExcID{Pid: 1, ExcNum: 0}}
	assignment := types.ResourceAssignmentMap{"sys0.cpu0.pe0": 1}

	steps := []struct {
		name string
		run  func() error
	}{
		{"setup", func() error { return proxy.Setup(exc) }},
		{"map_resources", func() error { return proxy.MapResources(exc, assignment, false) }},
		{"refresh", func() error { return proxy.Refresh() }},
		{"reclaim_resources", func() error { return proxy.ReclaimResources(exc) }},
		{"release", func() error { return proxy.Release(exc) }},
	}

	for _, step := range steps {
		if err := step.run(); err != nil {
			return fmt.Errorf("self-test %s: %w", step.name, err)
		}
		fmt.Printf("  ok   %s\n", step.name)
	}

	if _, ok := proxy.Assignment(exc.ID); ok {
		return fmt.Errorf("self-test release: assignment still present after ReclaimResources+Release")
	}

	remote := platform.NewRemote()
	if err := remote.Setup(exc); err == nil {
		return fmt.Errorf("self-test remote: expected ErrNotImplemented, got nil")
	}
	fmt.Println("  ok   remote stub rejects operations")

	fmt.Println("platform proxy self-test passed")
	return nil
}
