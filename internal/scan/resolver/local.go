package resolver

import (
	"context"
	"sync/atomic"

	"github.com/Laisky/telegram-filescan/internal/scan"
)

// LocalHost is a bot host living in the same process.
type LocalHost interface {
	Running(tenantID string) bool
	ResolveLink(ctx context.Context, tenantID, fileHandle string) (scan.FileLink, error)
}

// Remote resolves links of bots hosted by other processes.
type Remote interface {
	ResolveLink(ctx context.Context, tenantID, fileHandle string) (scan.FileLink, error)
}

// LocalFirst asks the in-process bot host for tenants it runs and falls
// back to remote for every other tenant.
type LocalFirst struct {
	local  atomic.Pointer[LocalHost]
	remote Remote
}

// NewLocalFirst builds a LocalFirst. The local host may be attached later
// with SetLocal.
func NewLocalFirst(remote Remote) *LocalFirst {
	return &LocalFirst{remote: remote}
}

// SetLocal attaches the in-process bot host.
func (l *LocalFirst) SetLocal(host LocalHost) {
	l.local.Store(&host)
}

// ResolveLink implements worker.LinkResolver.
func (l *LocalFirst) ResolveLink(ctx context.Context, tenantID, fileHandle string) (scan.FileLink, error) {
	if host := l.local.Load(); host != nil && (*host).Running(tenantID) {
		return (*host).ResolveLink(ctx, tenantID, fileHandle)
	}

	return l.remote.ResolveLink(ctx, tenantID, fileHandle)
}
