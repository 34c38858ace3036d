// Package network implements the PeerNetwork of §6: a libp2p host +
// gossipsub service for envelope/transaction gossip, and a
// request-response protocol for quorum-set and block-sync requests.
// Grounded on the teacher's networking.Service/NewGossipSub/NewHost.
package network

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/golang/snappy"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
)

// NetworkName namespaces gossipsub topics so this chain's nodes never
// mesh with an unrelated deployment using the same libp2p stack.
const NetworkName = "scpd-devnet0"

var (
	EnvelopeTopic     = "/scpd/" + NetworkName + "/envelope/wire_snappy"
	TransactionTopic  = "/scpd/" + NetworkName + "/transaction/wire_snappy"
	ContributionTopic = "/scpd/" + NetworkName + "/contribution/wire_snappy"
)

var (
	messageDomainInvalidSnappy = [4]byte{0x00, 0x00, 0x00, 0x00}
	messageDomainValidSnappy   = [4]byte{0x01, 0x00, 0x00, 0x00}
)

// NewGossipSub creates a gossipsub instance tuned the way the teacher
// tunes its mesh (target/low/high watermarks, history length), with
// strict no-sign messages since every payload here already carries its
// own Schnorr signature.
func NewGossipSub(ctx context.Context, h host.Host) (*pubsub.PubSub, error) {
	gsParams := pubsub.DefaultGossipSubParams()
	gsParams.D = 8
	gsParams.Dlo = 6
	gsParams.Dhi = 12
	gsParams.Dlazy = 6
	gsParams.HeartbeatInterval = 700 * time.Millisecond
	gsParams.FanoutTTL = 60 * time.Second
	gsParams.HistoryLength = 6
	gsParams.HistoryGossip = 3

	opts := []pubsub.Option{
		pubsub.WithMessageIdFn(computeMessageID),
		pubsub.WithGossipSubParams(gsParams),
		pubsub.WithSeenMessagesTTL(24 * time.Second),
		pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign),
		pubsub.WithFloodPublish(false),
	}

	return pubsub.NewGossipSub(ctx, h, opts...)
}

// computeMessageID derives gossipsub's dedup id as
// SHA256(domain || len(topic) || topic || payload)[:20], distinguishing
// messages that decompress cleanly from those that don't so a
// corrupted message can never collide with a well-formed one under the
// same id.
func computeMessageID(msg *pb.Message) string {
	var domain [4]byte
	data := msg.Data
	if decoded, err := snappy.Decode(nil, msg.Data); err == nil {
		domain = messageDomainValidSnappy
		data = decoded
	} else {
		domain = messageDomainInvalidSnappy
	}

	topic := msg.GetTopic()
	topicLen := make([]byte, 8)
	binary.LittleEndian.PutUint64(topicLen, uint64(len(topic)))

	h := sha256.New()
	h.Write(domain[:])
	h.Write(topicLen)
	h.Write([]byte(topic))
	h.Write(data)
	return string(h.Sum(nil)[:20])
}

func compress(data []byte) []byte { return snappy.Encode(nil, data) }

func decompress(data []byte) ([]byte, error) { return snappy.Decode(nil, data) }
