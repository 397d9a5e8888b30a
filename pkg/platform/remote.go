package platform

import (
	rtrmerrors "github.com/cuemby/rtrm/pkg/errors"
	"github.com/cuemby/rtrm/pkg/types"
)

// Remote is a stub Proxy variant for a future auxiliary proxy that would
// actuate against a non-local resource manager (the source's "Remote"
// proxy). No concrete transport exists yet, so every call fails with
// errors.ErrNotImplemented rather than silently no-opping.
type Remote struct{}

// NewRemote creates an unimplemented Remote proxy.
func NewRemote() *Remote { return &Remote{} }

func (r *Remote) Setup(exc *types.ExecutionContext) error { return rtrmerrors.ErrNotImplemented }

func (r *Remote) MapResources(exc *types.ExecutionContext, assignment types.ResourceAssignmentMap, exclusive bool) error {
	return rtrmerrors.ErrNotImplemented
}

func (r *Remote) Release(exc *types.ExecutionContext) error { return rtrmerrors.ErrNotImplemented }

func (r *Remote) ReclaimResources(exc *types.ExecutionContext) error {
	return rtrmerrors.ErrNotImplemented
}

func (r *Remote) Refresh() error { return rtrmerrors.ErrNotImplemented }
