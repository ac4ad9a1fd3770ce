// Package proxy coordinates the forwarder table: which physical interfaces
// currently relay discovery traffic to the guest interface, for which
// protocol classes. All lifecycle mutation happens on the Run loop's
// goroutine; forwarders only ever exist as entries in the table.
package proxy

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"dfp/forwarder"
	"dfp/internal/logging"
)

type EventKind int

const (
	InterfaceAdded EventKind = iota
	InterfaceRemoved
)

func (k EventKind) String() string {
	if k == InterfaceRemoved {
		return "removed"
	}
	return "added"
}

type Role int

const (
	RolePhysical Role = iota
	RoleGuest
)

func (r Role) String() string {
	if r == RoleGuest {
		return "guest"
	}
	return "physical"
}

// Event is one interface-lifecycle notification. Delivery must be FIFO per
// interface name; duplicates and removals of unknown interfaces are
// tolerated.
type Event struct {
	Kind EventKind
	Name string
	Role Role
}

// Runner is the lifecycle surface of a forwarder as the coordinator sees it.
type Runner interface {
	Start()
	Close() error
	Snapshot() forwarder.Snapshot
}

// Factory builds a forwarder for one (protocol, physical, guest) binding.
// onLost is invoked when the forwarder's interface breaks underneath it.
type Factory func(proto forwarder.Protocol, phys, guest string, onLost func(iface string, err error)) (Runner, error)

// slot holds the up-to-three forwarders of one physical interface, indexed
// by protocol class. A nil entry means that class failed to construct or is
// disabled.
type slot struct {
	runners [3]Runner
}

func (s *slot) close() error {
	var err error
	for i, r := range s.runners {
		if r == nil {
			continue
		}
		err = multierr.Append(err, r.Close())
		s.runners[i] = nil
	}
	return err
}

type Options struct {
	// Guest is the initial guest interface name; it may also arrive later as
	// a guest-role added event.
	Guest string

	// Protocols lists the enabled protocol classes.
	Protocols []forwarder.Protocol

	Factory Factory
	Logger  *logging.Logger

	// HistorySize bounds the event history kept for /state.
	HistorySize int

	Clock clock.Clock

	// Exit is called after parent-loss teardown; defaults to os.Exit.
	Exit func(code int)
}

type Proxy struct {
	protocols []forwarder.Protocol
	factory   Factory
	log       *logging.Logger
	exit      func(int)
	history   *eventTracker

	// failures carries implicit interface-removed reports from relay tasks
	// into the Run loop.
	failures chan failure

	mu      sync.Mutex
	guest   string
	table   map[string]*slot
	pending map[string]struct{}
}

type failure struct {
	iface string
	err   error
}

func New(opts Options) (*Proxy, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("proxy: forwarder factory is required")
	}
	protocols := opts.Protocols
	if len(protocols) == 0 {
		protocols = []forwarder.Protocol{forwarder.MDNS, forwarder.SSDP, forwarder.Broadcast}
	}
	log := opts.Logger
	if log == nil {
		log = logging.New(logging.LevelInfo, nil)
	}
	exit := opts.Exit
	if exit == nil {
		exit = os.Exit
	}
	return &Proxy{
		protocols: protocols,
		factory:   opts.Factory,
		log:       log,
		exit:      exit,
		history:   newEventTracker(opts.HistorySize, opts.Clock),
		failures:  make(chan failure, 16),
		guest:     opts.Guest,
		table:     make(map[string]*slot),
		pending:   make(map[string]struct{}),
	}, nil
}

// Run consumes lifecycle events until the context is cancelled, the event
// channel closes, or the parent-exit notification arrives. It is the only
// goroutine that mutates the forwarder table.
func (p *Proxy) Run(ctx context.Context, events <-chan Event, parentExit <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			if err := p.Reset(); err != nil {
				p.log.Warn("teardown errors on shutdown", "err", err)
			}
			return ctx.Err()
		case f := <-p.failures:
			p.handleFailure(f)
		case ev, ok := <-events:
			if !ok {
				if err := p.Reset(); err != nil {
					p.log.Warn("teardown errors on shutdown", "err", err)
				}
				return nil
			}
			p.HandleInterfaceEvent(ev)
		case <-parentExit:
			p.HandleParentExit()
			return nil
		}
	}
}

// HandleInterfaceEvent applies one lifecycle event to the table. Duplicate
// additions and removals of unknown interfaces are no-ops.
func (p *Proxy) HandleInterfaceEvent(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var outcome string
	var err error
	switch {
	case ev.Role == RoleGuest && ev.Kind == InterfaceAdded:
		outcome = p.setGuest(ev.Name)
	case ev.Role == RoleGuest && ev.Kind == InterfaceRemoved:
		outcome = p.clearGuest(ev.Name)
	case ev.Kind == InterfaceAdded:
		outcome, err = p.addPhysical(ev.Name)
	default:
		outcome = p.removePhysical(ev.Name)
	}

	p.history.record(ev.Kind.String(), ev.Name, ev.Role.String(), outcome, err)
	p.log.Info("interface event", "kind", ev.Kind, "interface", ev.Name, "role", ev.Role, "outcome", outcome)
}

// addPhysical creates the enabled forwarders for one physical interface.
// Construction failure of one protocol class is non-fatal and leaves the
// other classes active.
func (p *Proxy) addPhysical(name string) (string, error) {
	if _, ok := p.table[name]; ok {
		return "duplicate, ignored", nil
	}
	if p.guest == "" {
		p.pending[name] = struct{}{}
		return "queued until guest interface known", nil
	}
	delete(p.pending, name)

	sl := &slot{}
	var firstErr error
	created := 0
	for _, proto := range p.protocols {
		r, err := p.factory(proto, name, p.guest, p.reportLost)
		if err != nil {
			p.log.Warn("forwarder construction failed", "protocol", proto, "interface", name, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sl.runners[proto] = r
		r.Start()
		created++
	}
	if created == 0 {
		return "no forwarders created", firstErr
	}
	p.table[name] = sl
	return fmt.Sprintf("%d forwarders created", created), firstErr
}

// removePhysical destroys the interface's forwarders synchronously. Removing
// an interface that was never added is a no-op.
func (p *Proxy) removePhysical(name string) string {
	delete(p.pending, name)
	sl, ok := p.table[name]
	if !ok {
		return "not present, ignored"
	}
	delete(p.table, name)
	if err := sl.close(); err != nil {
		p.log.Warn("forwarder close errors", "interface", name, "err", err)
	}
	return "forwarders destroyed"
}

// setGuest installs or replaces the guest interface. A change rebuilds every
// forwarder against the new guest; queued physical interfaces become active.
func (p *Proxy) setGuest(name string) string {
	if name == p.guest {
		return "guest unchanged"
	}
	known := make([]string, 0, len(p.table)+len(p.pending))
	for iface := range p.table {
		known = append(known, iface)
	}
	for iface := range p.pending {
		known = append(known, iface)
	}
	sort.Strings(known)

	p.teardownLocked()
	p.guest = name
	p.pending = make(map[string]struct{})
	for _, iface := range known {
		if outcome, err := p.addPhysical(iface); err != nil {
			p.log.Warn("rebuild after guest change", "interface", iface, "outcome", outcome, "err", err)
		}
	}
	return fmt.Sprintf("guest set, %d interfaces rebuilt", len(known))
}

// clearGuest handles the guest interface disappearing: all forwarders are
// destroyed but the physical set is remembered so a returning guest rebuilds
// it.
func (p *Proxy) clearGuest(name string) string {
	if name != p.guest {
		return "unknown guest, ignored"
	}
	for iface := range p.table {
		p.pending[iface] = struct{}{}
	}
	p.teardownLocked()
	p.guest = ""
	return "guest lost, forwarders destroyed"
}

// reportLost is handed to every forwarder; relay tasks call it when their
// socket breaks permanently. The report is consumed by the Run loop as an
// implicit interface-removed event. Dropping the report when the loop is
// gone is fine: teardown is already underway.
func (p *Proxy) reportLost(iface string, err error) {
	select {
	case p.failures <- failure{iface: iface, err: err}:
	default:
		p.log.Warn("interface-loss report dropped", "interface", iface, "err", err)
	}
}

func (p *Proxy) handleFailure(f failure) {
	p.mu.Lock()
	outcome := p.removePhysical(f.iface)
	p.mu.Unlock()
	p.history.record("lost", f.iface, RolePhysical.String(), outcome, f.err)
	p.log.Warn("interface lost", "interface", f.iface, "outcome", outcome, "err", f.err)
}

// Reset destroys every live forwarder and empties the table. Idempotent.
func (p *Proxy) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.teardownLocked()
}

func (p *Proxy) teardownLocked() error {
	var err error
	for name, sl := range p.table {
		err = multierr.Append(err, sl.close())
		delete(p.table, name)
	}
	return err
}

// HandleParentExit tears every forwarder down and terminates the process
// with a success status: the supervisor is gone, there is nobody left to
// report to.
func (p *Proxy) HandleParentExit() {
	p.log.Info("parent process gone, shutting down")
	if err := p.Reset(); err != nil {
		p.log.Warn("teardown errors on parent exit", "err", err)
	}
	p.exit(0)
}

// InterfaceState is the /state view of one physical interface's forwarders.
type InterfaceState struct {
	Name       string               `json:"name"`
	Forwarders []forwarder.Snapshot `json:"forwarders"`
}

// State is the coordinator snapshot served on the management /state
// endpoint.
type State struct {
	GuestInterface string           `json:"guestInterface"`
	Interfaces     []InterfaceState `json:"interfaces"`
	Pending        []string         `json:"pendingInterfaces,omitempty"`
	RecentEvents   []EventRecord    `json:"recentEvents"`
}

func (p *Proxy) Snapshot() State {
	p.mu.Lock()
	st := State{GuestInterface: p.guest}
	for name, sl := range p.table {
		is := InterfaceState{Name: name}
		for _, r := range sl.runners {
			if r != nil {
				is.Forwarders = append(is.Forwarders, r.Snapshot())
			}
		}
		st.Interfaces = append(st.Interfaces, is)
	}
	for name := range p.pending {
		st.Pending = append(st.Pending, name)
	}
	p.mu.Unlock()

	sort.Slice(st.Interfaces, func(i, j int) bool { return st.Interfaces[i].Name < st.Interfaces[j].Name })
	sort.Strings(st.Pending)
	st.RecentEvents = p.history.History()
	return st
}

// Metrics feeds the management /metrics endpoint with flat counters.
func (p *Proxy) Metrics() map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := map[string]float64{
		"dfp_interfaces_active":  float64(len(p.table)),
		"dfp_interfaces_pending": float64(len(p.pending)),
		"dfp_events_total":       float64(p.history.Total()),
	}
	for name, sl := range p.table {
		for _, r := range sl.runners {
			if r == nil {
				continue
			}
			snap := r.Snapshot()
			prefix := fmt.Sprintf("dfp_%s_%s_", name, snap.Protocol)
			out[prefix+"relayed"] = float64(snap.Relayed)
			out[prefix+"dropped"] = float64(snap.Dropped)
			out[prefix+"echoes"] = float64(snap.Echoes)
		}
	}
	return out
}
