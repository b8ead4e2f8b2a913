package p2p

import "goledgernet/internal/node"

// Command is a request from node core to the supervisor. The concrete
// commands form a sealed set handled by a type switch in the command driver.
type Command interface {
	isCommand()
}

// Accept grants one inbound admission credit. With automatic acceptance
// (the default) it is a no-op.
type Accept struct{}

// Connect actively establishes a session with the node at Addr.
type Connect struct {
	Addr string
}

// Disconnect tears down the session with Id. Unknown ids are a no-op, not
// an error; disconnect races are expected.
type Disconnect struct {
	Id node.Id
}

// Msg sends one message to the peer identified by Id.
type Msg struct {
	Id      node.Id
	Message Message
}

func (Accept) isCommand()     {}
func (Connect) isCommand()    {}
func (Disconnect) isCommand() {}
func (Msg) isCommand()        {}

// Event is an observation the supervisor emits to node core. Per identity
// the order is Connected, then Upgraded or UpgradeFailed, then Received
// messages, then at most one Disconnected. No order is guaranteed across
// identities.
type Event interface {
	isEvent()
}

// Connected reports an established connection before it is upgraded.
type Connected struct {
	Id        node.Id
	Direction Direction
}

// Upgraded reports that the peer is running and messages may flow.
type Upgraded struct {
	Id node.Id
}

// UpgradeFailed reports that an established connection never became a
// running peer. No Disconnected follows.
type UpgradeFailed struct {
	Id     node.Id
	Report Report
}

// Received carries one inbound message from a running peer.
type Received struct {
	Id      node.Id
	Message Message
}

// Disconnected reports that a running peer is gone, with the reason.
type Disconnected struct {
	Id     node.Id
	Report Report
}

func (Connected) isEvent()     {}
func (Upgraded) isEvent()      {}
func (UpgradeFailed) isEvent() {}
func (Received) isEvent()      {}
func (Disconnected) isEvent()  {}
