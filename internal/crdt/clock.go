package crdt

import (
	"sync"

	"github.com/google/uuid"

	"github.com/iudanet/causalrepo/internal/models"
)

// SiteClock выдает идентификаторы атомов для одной реплики.
// Sequence - часы Лампорта: растут при каждом новом атоме и подтягиваются
// к максимальному sequence, увиденному у других реплик.
type SiteClock struct {
	site    string
	counter int64
	mu      sync.Mutex
}

// NewSiteClock creates a clock with a random site id.
func NewSiteClock() *SiteClock {
	return &SiteClock{site: uuid.New().String()}
}

// NewSiteClockWithSite creates a clock for the given site id.
// Used to restore a replica or in tests.
func NewSiteClockWithSite(site string) *SiteClock {
	return &SiteClock{site: site}
}

// Site returns the site id of the replica.
func (c *SiteClock) Site() string {
	return c.site
}

// Tick advances the clock and returns the new sequence.
func (c *SiteClock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter++
	return c.counter
}

// NextID returns a fresh atom id for this site.
func (c *SiteClock) NextID() models.AtomID {
	return models.AtomID{Site: c.site, Sequence: c.Tick()}
}

// Observe moves the clock forward past a sequence seen on another replica.
// counter = max(local, remote); the next Tick is strictly greater than both.
func (c *SiteClock) Observe(remote int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remote > c.counter {
		c.counter = remote
	}
}

// ObserveAtoms calls Observe for every atom.
func (c *SiteClock) ObserveAtoms(atoms []*models.Atom) {
	for _, a := range atoms {
		c.Observe(a.ID.Sequence)
	}
}

// Timestamp returns the current counter without advancing it.
func (c *SiteClock) Timestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.counter
}
