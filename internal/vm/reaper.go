package vm

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Reaper keeps track of every domain that was created and not yet destroyed so that
// they can all be torn down on the way out of the process.
type Reaper struct {
	mu   sync.Mutex
	live map[*EphemeralVM]struct{}
}

func NewReaper() *Reaper {
	return &Reaper{live: make(map[*EphemeralVM]struct{})}
}

func (r *Reaper) track(v *EphemeralVM) {
	r.mu.Lock()
	r.live[v] = struct{}{}
	r.mu.Unlock()
}

func (r *Reaper) untrack(v *EphemeralVM) {
	r.mu.Lock()
	delete(r.live, v)
	r.mu.Unlock()
}

// Live returns the number of VMs that still have to be destroyed.
func (r *Reaper) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// DestroyAll destroys every tracked VM.
func (r *Reaper) DestroyAll() {
	r.mu.Lock()
	vms := make([]*EphemeralVM, 0, len(r.live))
	for v := range r.live {
		vms = append(vms, v)
	}
	r.mu.Unlock()
	if len(vms) > 0 {
		log.Warn().Int("count", len(vms)).Msg("Destroying leftover VMs")
	}
	for _, v := range vms {
		v.Destroy()
	}
}
