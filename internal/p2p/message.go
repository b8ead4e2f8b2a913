package p2p

// StreamId names a logical message channel multiplexed over one Connection.
// The set is fixed and known before a peer starts multiplexing.
type StreamId byte

const (
	StreamPex       StreamId = 0x1
	StreamConsensus StreamId = 0x2
	StreamBlockSync StreamId = 0x3
	StreamMempool   StreamId = 0x4
)

func (s StreamId) String() string {
	switch s {
	case StreamPex:
		return "pex"
	case StreamConsensus:
		return "consensus"
	case StreamBlockSync:
		return "blocksync"
	case StreamMempool:
		return "mempool"
	default:
		return "unknown"
	}
}

// DefaultStreamIds is the stream set a full node opens per peer.
var DefaultStreamIds = []StreamId{StreamPex, StreamConsensus, StreamBlockSync, StreamMempool}

// Message holds one application payload that is being sent over a logical
// stream between two nodes in the network. The payload bytes are opaque to
// this layer.
type Message struct {
	Stream  StreamId
	Payload []byte
}
