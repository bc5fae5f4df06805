package core

// network.go – libp2p gossip node and transfer stream transport.
//
// GossipSub carries blocks, transactions, evaluations and availability
// announcements; chunk traffic runs over dedicated ordered streams so the
// transfer protocol controls its own framing and flow.

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// Gossip topics.
const (
	TopicBlocks   = "bcai.blocks"
	TopicTx       = "bcai.tx"
	TopicEval     = "bcai.eval"
	TopicAnnounce = "bcai.announce"
)

// transferProtocolID is the ordered, authenticated stream for chunk frames.
const transferProtocolID = protocol.ID("/bcai/transfer/1")

// NetworkConfig mirrors the network.* configuration surface.
type NetworkConfig struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

// TopicHandler consumes one gossip payload.
type TopicHandler func(payload []byte, from NodeID)

// Node is the process's libp2p presence. It implements TopicBroadcaster
// and PeerSender for the subsystems above it.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	logger *logrus.Logger
	peers  *PeerTable

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	topics   map[string]*pubsub.Topic
	subs     map[string]*pubsub.Subscription
	handlers map[string]TopicHandler
	inbound  func(InboundMsg)
}

// NewNode creates and bootstraps the P2P node.
func NewNode(cfg NetworkConfig, peers *PeerTable, lg *logrus.Logger) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("create pubsub: %w", err)
	}

	n := &Node{
		host:     h,
		pubsub:   ps,
		logger:   lg,
		peers:    peers,
		ctx:      ctx,
		cancel:   cancel,
		topics:   make(map[string]*pubsub.Topic),
		subs:     make(map[string]*pubsub.Subscription),
		handlers: make(map[string]TopicHandler),
	}
	h.SetStreamHandler(transferProtocolID, n.handleStream)

	if err := n.DialSeeds(cfg.BootstrapPeers); err != nil {
		lg.Warnf("dial seeds: %v", err)
	}
	if cfg.DiscoveryTag != "" {
		mdns.NewMdnsService(h, cfg.DiscoveryTag, n)
	}
	return n, nil
}

// Ensure Node implements mdns.Notifee.
var _ mdns.Notifee = (*Node)(nil)

// ID returns the local peer identity.
func (n *Node) ID() NodeID { return NodeID(n.host.ID().String()) }

// Close tears the node down.
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}

// DialSeeds connects to the configured bootstrap peers.
func (n *Node) DialSeeds(addrs []string) error {
	var firstErr error
	for _, s := range addrs {
		info, err := peer.AddrInfoFromString(s)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := n.host.Connect(n.ctx, *info); err != nil {
			n.logger.Warnf("bootstrap dial %s: %v", s, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n.trackPeer(*info)
	}
	return firstErr
}

// HandlePeerFound implements mdns.Notifee: connect to a discovered peer,
// ignoring ourselves.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		n.logger.Debugf("mdns connect %s: %v", info.ID, err)
		return
	}
	n.trackPeer(info)
}

func (n *Node) trackPeer(info peer.AddrInfo) {
	addrs := make([]string, 0, len(info.Addrs))
	for _, a := range info.Addrs {
		addrs = append(addrs, a.String())
	}
	n.peers.Upsert(PeerInfo{ID: NodeID(info.ID.String()), Addrs: addrs})
}

//---------------------------------------------------------------------
// Gossip
//---------------------------------------------------------------------

func (n *Node) topic(name string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.pubsub.Join(name)
	if err != nil {
		return nil, err
	}
	n.topics[name] = t
	return t, nil
}

// Broadcast implements TopicBroadcaster.
func (n *Node) Broadcast(topicName string, payload []byte) error {
	t, err := n.topic(topicName)
	if err != nil {
		return err
	}
	return t.Publish(n.ctx, payload)
}

// SubscribeTopic registers a handler and starts the read loop for a topic.
func (n *Node) SubscribeTopic(topicName string, handler TopicHandler) error {
	t, err := n.topic(topicName)
	if err != nil {
		return err
	}
	n.mu.Lock()
	if _, ok := n.subs[topicName]; ok {
		n.handlers[topicName] = handler
		n.mu.Unlock()
		return nil
	}
	sub, err := t.Subscribe()
	if err != nil {
		n.mu.Unlock()
		return err
	}
	n.subs[topicName] = sub
	n.handlers[topicName] = handler
	n.mu.Unlock()

	go func() {
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == n.host.ID() {
				continue
			}
			n.mu.Lock()
			h := n.handlers[topicName]
			n.mu.Unlock()
			if h != nil {
				h(msg.Data, NodeID(msg.ReceivedFrom.String()))
			}
		}
	}()
	return nil
}

//---------------------------------------------------------------------
// Transfer streams
//---------------------------------------------------------------------

// SetInbound wires the consumer of transfer frames (the transfer engine).
func (n *Node) SetInbound(fn func(InboundMsg)) {
	n.mu.Lock()
	n.inbound = fn
	n.mu.Unlock()
}

// Send implements PeerSender: one framed message per stream write.
func (n *Node) Send(ctx context.Context, to NodeID, code uint8, payload []byte) error {
	pid, err := peer.Decode(string(to))
	if err != nil {
		return fmt.Errorf("bad peer id %q: %w", to, err)
	}
	s, err := n.host.NewStream(ctx, pid, transferProtocolID)
	if err != nil {
		return fmt.Errorf("%w: open stream: %v", ErrTimeout, err)
	}
	defer s.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetWriteDeadline(dl)
	}
	return WriteFrame(s, code, payload)
}

// handleStream reads frames off an inbound stream and fans them in.
func (n *Node) handleStream(s network.Stream) {
	defer s.Close()
	from := NodeID(s.Conn().RemotePeer().String())
	for {
		code, payload, err := ReadFrame(s)
		if err != nil {
			return
		}
		n.mu.Lock()
		fn := n.inbound
		n.mu.Unlock()
		if fn != nil {
			fn(InboundMsg{PeerID: from, Code: code, Payload: payload})
		}
	}
}
