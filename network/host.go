package network

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// HostConfig configures the libp2p host a Service runs on.
type HostConfig struct {
	PrivateKey  p2pcrypto.PrivKey
	ListenAddrs []string
}

// NewHost creates a libp2p host, generating a fresh secp256k1 identity
// key if none is supplied.
func NewHost(cfg HostConfig) (host.Host, error) {
	privKey := cfg.PrivateKey
	if privKey == nil {
		var err error
		privKey, _, err = p2pcrypto.GenerateKeyPairWithReader(p2pcrypto.Secp256k1, 256, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("network: generate host key: %w", err)
		}
	}

	listenAddrs := cfg.ListenAddrs
	if len(listenAddrs) == 0 {
		listenAddrs = []string{"/ip4/0.0.0.0/udp/9000/quic-v1"}
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(listenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("network: create host: %w", err)
	}
	return h, nil
}

// ParseBootnodes parses multiaddr strings into dialable peer addresses,
// skipping anything it can't parse rather than failing the whole list.
func ParseBootnodes(addrs []string) []peer.AddrInfo {
	var peers []peer.AddrInfo
	for _, addr := range addrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			continue
		}
		peers = append(peers, *pi)
	}
	return peers
}
