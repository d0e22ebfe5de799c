package ws

import (
	"github.com/golang/glog"

	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/presence"
)

// Fanout delivers encoded frames to a user's group or to every active
// connection. Delivery is best effort: an empty group is a no-op and write
// failures are left to the read path and heartbeat to clean up.
type Fanout interface {
	SendToUser(userID string, data []byte)
	Broadcast(data []byte)
}

// Bus carries fan-out frames between server instances.
type Bus interface {
	PublishUser(userID string, data []byte) error
	PublishAll(data []byte) error
	SubscribeUsers(handler func(userID string, data []byte)) error
	SubscribeAll(handler func(data []byte)) error
}

// LocalFanout delivers frames to the connections held by this process.
type LocalFanout struct {
	conns    *ConnectionManager
	registry *presence.Registry
}

// NewLocalFanout creates a LocalFanout over conns, resolving user groups
// through registry.
func NewLocalFanout(conns *ConnectionManager, registry *presence.Registry) *LocalFanout {
	return &LocalFanout{conns: conns, registry: registry}
}

func (f *LocalFanout) SendToUser(userID string, data []byte) {
	for _, id := range f.registry.Members(userID) {
		c := f.conns.Get(id)
		if c == nil || c.State() != StateActive {
			continue
		}
		if err := c.WriteMessage(data); err != nil {
			glog.V(2).Infof("ws: fanout write failed conn=%s user=%s: %v", c.ID, userID, err)
		}
	}
}

func (f *LocalFanout) Broadcast(data []byte) {
	f.conns.Broadcast(data)
}

// BusFanout publishes every frame to a Bus; the bus subscription of each
// instance, including this one, performs the local delivery.
type BusFanout struct {
	bus   Bus
	local *LocalFanout
}

// NewBusFanout subscribes local to bus and returns a Fanout publishing to it.
func NewBusFanout(bus Bus, local *LocalFanout) (*BusFanout, error) {
	if err := bus.SubscribeUsers(local.SendToUser); err != nil {
		return nil, err
	}
	if err := bus.SubscribeAll(local.Broadcast); err != nil {
		return nil, err
	}
	return &BusFanout{bus: bus, local: local}, nil
}

func (f *BusFanout) SendToUser(userID string, data []byte) {
	metrics.FanoutFramesTotal.WithLabelValues("user").Inc()
	if err := f.bus.PublishUser(userID, data); err != nil {
		glog.Warningf("ws: bus publish for user=%s failed, delivering locally: %v", userID, err)
		f.local.SendToUser(userID, data)
	}
}

func (f *BusFanout) Broadcast(data []byte) {
	metrics.FanoutFramesTotal.WithLabelValues("all").Inc()
	if err := f.bus.PublishAll(data); err != nil {
		glog.Warningf("ws: bus broadcast failed, delivering locally: %v", err)
		f.local.Broadcast(data)
	}
}

// countingFanout counts frames for a LocalFanout used without a bus.
type countingFanout struct {
	*LocalFanout
}

func (f countingFanout) SendToUser(userID string, data []byte) {
	metrics.FanoutFramesTotal.WithLabelValues("user").Inc()
	f.LocalFanout.SendToUser(userID, data)
}

func (f countingFanout) Broadcast(data []byte) {
	metrics.FanoutFramesTotal.WithLabelValues("all").Inc()
	f.LocalFanout.Broadcast(data)
}
