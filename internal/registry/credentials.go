package registry

import (
	"sync"

	"github.com/example/permit-scheduler/internal/permit"
)

// Vault holds reservation-site credentials per job, in volatile memory
// only. Nothing here is ever snapshotted, broadcast or logged; a restart
// always requires credential re-entry.
type Vault struct {
	mu    sync.Mutex
	creds map[string]permit.Credentials
}

func NewVault() *Vault {
	return &Vault{creds: make(map[string]permit.Credentials)}
}

func (v *Vault) Put(jobID string, c permit.Credentials) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.creds[jobID] = c
}

func (v *Vault) Get(jobID string) (permit.Credentials, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.creds[jobID]
	return c, ok
}

func (v *Vault) Delete(jobID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.creds, jobID)
}
