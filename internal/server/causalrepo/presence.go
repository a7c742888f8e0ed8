package causalrepo

import (
	"sort"
	"sync"

	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/pkg/api"
)

// presence tracks loaded branches and the devices watching them, and fans
// lifecycle events out to observers. Observers get a snapshot under the same
// lock that orders live events, so no event is lost or duplicated.
type presence struct {
	mu      sync.Mutex
	loaded  map[string]struct{}
	devices map[string]map[string]models.DeviceInfo // branch -> conn id -> device

	branchObservers map[string]Connection
	deviceObservers map[string]Connection

	send func(conn Connection, name string, payload any)
}

func newPresence(send func(conn Connection, name string, payload any)) *presence {
	return &presence{
		send:            send,
		loaded:          make(map[string]struct{}),
		devices:         make(map[string]map[string]models.DeviceInfo),
		branchObservers: make(map[string]Connection),
		deviceObservers: make(map[string]Connection),
	}
}

func (p *presence) notify(observers map[string]Connection, name string, payload any) {
	for _, c := range observers {
		p.send(c, name, payload)
	}
}

func (p *presence) branchLoaded(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.loaded[name] = struct{}{}
	p.notify(p.branchObservers, api.EventLoadBranch, api.BranchEvent{Branch: name})
}

func (p *presence) branchUnloaded(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.loaded, name)
	delete(p.devices, name)
	p.notify(p.branchObservers, api.EventUnloadBranch, api.BranchEvent{Branch: name})
}

func (p *presence) deviceConnected(branch string, conn Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	devices, ok := p.devices[branch]
	if !ok {
		devices = make(map[string]models.DeviceInfo)
		p.devices[branch] = devices
	}
	devices[conn.ID()] = conn.Device()
	p.notify(p.deviceObservers, api.EventDeviceConnected, api.DeviceEvent{Branch: branch, Device: conn.Device()})
}

func (p *presence) deviceDisconnected(branch string, conn Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if devices, ok := p.devices[branch]; ok {
		delete(devices, conn.ID())
		if len(devices) == 0 {
			delete(p.devices, branch)
		}
	}
	p.notify(p.deviceObservers, api.EventDeviceDisconnected, api.DeviceEvent{Branch: branch, Device: conn.Device()})
}

// watchBranches sends load-branch for every loaded branch, then subscribes.
func (p *presence) watchBranches(conn Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, name := range sortedKeys(p.loaded) {
		p.send(conn, api.EventLoadBranch, api.BranchEvent{Branch: name})
	}
	p.branchObservers[conn.ID()] = conn
}

func (p *presence) unwatchBranches(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.branchObservers, connID)
}

// watchDevices sends device-connected for every watched (branch, device)
// pair, then subscribes.
func (p *presence) watchDevices(conn Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, branch := range sortedKeys(p.devices) {
		devices := p.devices[branch]
		for _, id := range sortedKeys(devices) {
			p.send(conn, api.EventDeviceConnected, api.DeviceEvent{Branch: branch, Device: devices[id]})
		}
	}
	p.deviceObservers[conn.ID()] = conn
}

func (p *presence) unwatchDevices(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.deviceObservers, connID)
}

func (p *presence) removeObserver(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.branchObservers, connID)
	delete(p.deviceObservers, connID)
}

func (p *presence) loadedBranches() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return sortedKeys(p.loaded)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sendEvent relays the action to the watchers of the branch matched by the
// selector. Without a usable selector the event is dropped silently.
func (s *Server) sendEvent(conn Connection, req api.SendEvent) error {
	selector := req.Selector
	if selector.IsEmpty() {
		selector = s.cfg.DefaultDeviceSelector
	}
	if selector.IsEmpty() {
		s.logger.Debug("Event dropped: no selector", "branch", req.Branch, "conn_id", conn.ID())
		return nil
	}

	b := s.lookup(req.Branch)
	if b == nil {
		return nil
	}
	defer s.release(b)

	targets := make(map[string]Connection)
	for id, c := range b.watchers {
		if selector.Matches(c.Device()) {
			targets[id] = c
		}
	}

	s.broadcast(targets, "", api.EventReceiveEvent, api.ReceiveEvent{
		Branch: req.Branch,
		Action: req.Action,
		Device: conn.Device(),
	})
	return nil
}
