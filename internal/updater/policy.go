package updater

import (
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/N1ghthill/dexter-sub001/util"
)

// PolicyStore is the simple key-value policy file the service consults.
// The policy itself is owned by the settings collaborator; the update
// engine only reads the channel and auto-check flag from it.
type PolicyStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewPolicyStore(path string) *PolicyStore {
	return &PolicyStore{path: path, now: time.Now}
}

// Get returns the persisted policy, or the default when the file is absent
// or unreadable.
func (p *PolicyStore) Get() Policy {
	p.mu.Lock()
	defer p.mu.Unlock()

	var policy Policy
	if err := util.ReadJson(p.path, &policy); err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("failed to read update policy %s, using defaults: %v", p.path, err)
		}
		return DefaultPolicy()
	}

	if policy.Channel != ChannelStable && policy.Channel != ChannelRC {
		policy.Channel = ChannelStable
	}
	return policy
}

// Set persists the policy, stamping UpdatedAt.
func (p *PolicyStore) Set(policy Policy) (Policy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if policy.Channel != ChannelStable && policy.Channel != ChannelRC {
		return Policy{}, fmt.Errorf("unknown update channel %q", policy.Channel)
	}

	policy.UpdatedAt = p.now().UTC()
	if err := util.WriteJson(p.path, policy); err != nil {
		return Policy{}, fmt.Errorf("persist update policy: %w", err)
	}
	return policy, nil
}
