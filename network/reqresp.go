package network

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	p2pnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/scpchain/scpd/types"
	"github.com/scpchain/scpd/wire"
)

// Request-response protocol IDs for the PeerNetwork operations that
// aren't gossiped: a node asks a specific peer, rather than
// broadcasting, for a quorum set, the peer's chain height, or a range
// of blocks. Grounded on the teacher's reqresp.StatusProtocolV1 /
// BlocksByRootProtocolV1 framing (varint length prefix, snappy-framed
// payload, one request/response pair per stream, closed on completion).
const (
	QuorumSetProtocolV1    = protocol.ID("/scpd/req/quorum_set/1")
	BlockHeightProtocolV1  = protocol.ID("/scpd/req/block_height/1")
	BlocksFromProtocolV1   = protocol.ID("/scpd/req/blocks_from/1")
	HasEnrollmentProtocolV1 = protocol.ID("/scpd/req/has_enrollment/1")
	GetEnrollmentProtocolV1 = protocol.ID("/scpd/req/get_enrollment/1")
	EnrollValidatorProtocolV1 = protocol.ID("/scpd/req/enroll_validator/1")

	reqRespTimeout = 10 * time.Second
	maxReqRespSize = 16 * 1024 * 1024
)

const (
	respCodeSuccess byte = 0x00
	respCodeError   byte = 0x01
)

// ChainReader is what the request-response handlers need to answer a
// peer: quorum-set lookup, current height, a height range of blocks,
// and the enroll_validator/has_enrollment/get_enrollment surface named
// in §6. Satisfied by the ledger/node layer without modification.
type ChainReader interface {
	QuorumSetByHash(hash wire.Hash) (*types.QuorumConfig, bool)
	Height() types.Height
	BlocksFrom(start types.Height, count int) ([]*types.Block, error)
	HasEnrollment(hash wire.Hash) bool
	GetEnrollment(hash wire.Hash) (*types.Enrollment, bool)
	EnrollValidator(e *types.Enrollment) error
}

// reqRespHandler registers and serves the request-response protocols
// against a ChainReader.
type reqRespHandler struct {
	host   host.Host
	reader ChainReader
}

func newReqRespHandler(h host.Host, reader ChainReader) *reqRespHandler {
	return &reqRespHandler{host: h, reader: reader}
}

func (r *reqRespHandler) registerProtocols() {
	r.host.SetStreamHandler(QuorumSetProtocolV1, r.handleQuorumSet)
	r.host.SetStreamHandler(BlockHeightProtocolV1, r.handleBlockHeight)
	r.host.SetStreamHandler(BlocksFromProtocolV1, r.handleBlocksFrom)
	r.host.SetStreamHandler(HasEnrollmentProtocolV1, r.handleHasEnrollment)
	r.host.SetStreamHandler(GetEnrollmentProtocolV1, r.handleGetEnrollment)
	r.host.SetStreamHandler(EnrollValidatorProtocolV1, r.handleEnrollValidator)
}

func (r *reqRespHandler) handleQuorumSet(s p2pnetwork.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(reqRespTimeout))
	data, err := readMessage(s)
	if err != nil {
		writeError(s)
		return
	}
	if len(data) != 32 {
		writeError(s)
		return
	}
	var hash wire.Hash
	copy(hash[:], data)
	cfg, ok := r.reader.QuorumSetByHash(hash)
	if !ok {
		writeError(s)
		return
	}
	writeSuccess(s, cfg.MarshalCanonical())
}

func (r *reqRespHandler) handleBlockHeight(s p2pnetwork.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(reqRespTimeout))
	if _, err := readMessage(s); err != nil {
		writeError(s)
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(r.reader.Height()))
	writeSuccess(s, buf[:])
}

func (r *reqRespHandler) handleBlocksFrom(s p2pnetwork.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(reqRespTimeout))
	data, err := readMessage(s)
	if err != nil || len(data) != 12 {
		writeError(s)
		return
	}
	start := types.Height(binary.LittleEndian.Uint64(data[:8]))
	count := int(binary.LittleEndian.Uint32(data[8:]))
	blocks, err := r.reader.BlocksFrom(start, count)
	if err != nil {
		writeError(s)
		return
	}
	for _, b := range blocks {
		writeSuccess(s, b.MarshalCanonical())
	}
}

func (r *reqRespHandler) handleHasEnrollment(s p2pnetwork.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(reqRespTimeout))
	data, err := readMessage(s)
	if err != nil || len(data) != 32 {
		writeError(s)
		return
	}
	var hash wire.Hash
	copy(hash[:], data)
	out := []byte{0x00}
	if r.reader.HasEnrollment(hash) {
		out[0] = 0x01
	}
	writeSuccess(s, out)
}

func (r *reqRespHandler) handleGetEnrollment(s p2pnetwork.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(reqRespTimeout))
	data, err := readMessage(s)
	if err != nil || len(data) != 32 {
		writeError(s)
		return
	}
	var hash wire.Hash
	copy(hash[:], data)
	e, ok := r.reader.GetEnrollment(hash)
	if !ok {
		writeError(s)
		return
	}
	writeSuccess(s, e.MarshalCanonical())
}

func (r *reqRespHandler) handleEnrollValidator(s p2pnetwork.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(reqRespTimeout))
	data, err := readMessage(s)
	if err != nil {
		writeError(s)
		return
	}
	var e types.Enrollment
	if err := e.UnmarshalCanonical(data); err != nil {
		writeError(s)
		return
	}
	if err := r.reader.EnrollValidator(&e); err != nil {
		writeError(s)
		return
	}
	writeSuccess(s, nil)
}

// requestQuorumSet asks peerID for the quorum configuration matching
// hash.
func requestQuorumSet(h host.Host, peerID peer.ID, hash wire.Hash) (*types.QuorumConfig, error) {
	respData, err := roundTrip(h, peerID, QuorumSetProtocolV1, hash[:])
	if err != nil {
		return nil, err
	}
	var cfg types.QuorumConfig
	if err := cfg.UnmarshalCanonical(respData); err != nil {
		return nil, fmt.Errorf("network: decode quorum set: %w", err)
	}
	return &cfg, nil
}

// requestBlockHeight asks peerID for its current chain height.
func requestBlockHeight(h host.Host, peerID peer.ID) (types.Height, error) {
	respData, err := roundTrip(h, peerID, BlockHeightProtocolV1, nil)
	if err != nil {
		return 0, err
	}
	if len(respData) != 8 {
		return 0, fmt.Errorf("network: malformed block height response")
	}
	return types.Height(binary.LittleEndian.Uint64(respData)), nil
}

// requestBlocksFrom asks peerID for up to count blocks starting at
// start.
func requestBlocksFrom(h host.Host, peerID peer.ID, start types.Height, count int) ([]*types.Block, error) {
	req := make([]byte, 12)
	binary.LittleEndian.PutUint64(req[:8], uint64(start))
	binary.LittleEndian.PutUint32(req[8:], uint32(count))

	s, err := h.NewStream(context.Background(), peerID, BlocksFromProtocolV1)
	if err != nil {
		return nil, fmt.Errorf("network: open blocks_from stream: %w", err)
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(reqRespTimeout))
	if err := writeMessage(s, req); err != nil {
		return nil, fmt.Errorf("network: write blocks_from request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		return nil, fmt.Errorf("network: close write side: %w", err)
	}

	var blocks []*types.Block
	for {
		code, data, err := readResponse(s)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("network: read blocks_from response: %w", err)
		}
		if code != respCodeSuccess {
			break
		}
		var b types.Block
		if err := b.UnmarshalCanonical(data); err != nil {
			continue
		}
		blocks = append(blocks, &b)
	}
	return blocks, nil
}

// requestHasEnrollment asks peerID whether it has an enrollment
// matching hash.
func requestHasEnrollment(h host.Host, peerID peer.ID, hash wire.Hash) (bool, error) {
	respData, err := roundTrip(h, peerID, HasEnrollmentProtocolV1, hash[:])
	if err != nil {
		return false, err
	}
	return len(respData) == 1 && respData[0] == 0x01, nil
}

// requestGetEnrollment asks peerID for the enrollment matching hash.
func requestGetEnrollment(h host.Host, peerID peer.ID, hash wire.Hash) (*types.Enrollment, error) {
	respData, err := roundTrip(h, peerID, GetEnrollmentProtocolV1, hash[:])
	if err != nil {
		return nil, err
	}
	var e types.Enrollment
	if err := e.UnmarshalCanonical(respData); err != nil {
		return nil, fmt.Errorf("network: decode enrollment: %w", err)
	}
	return &e, nil
}

// requestEnrollValidator submits e to peerID for admission into its
// pending enrollment set.
func requestEnrollValidator(h host.Host, peerID peer.ID, e *types.Enrollment) error {
	_, err := roundTrip(h, peerID, EnrollValidatorProtocolV1, e.MarshalCanonical())
	return err
}

func roundTrip(h host.Host, peerID peer.ID, proto protocol.ID, req []byte) ([]byte, error) {
	s, err := h.NewStream(context.Background(), peerID, proto)
	if err != nil {
		return nil, fmt.Errorf("network: open stream: %w", err)
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(reqRespTimeout))
	if err := writeMessage(s, req); err != nil {
		return nil, fmt.Errorf("network: write request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		return nil, fmt.Errorf("network: close write side: %w", err)
	}
	code, data, err := readResponse(s)
	if err != nil {
		return nil, fmt.Errorf("network: read response: %w", err)
	}
	if code != respCodeSuccess {
		return nil, fmt.Errorf("network: peer returned an error response")
	}
	return data, nil
}

// readMessage reads a varint-length-prefixed, snappy-compressed
// message from a stream the peer closes for writing once the message
// is sent.
func readMessage(r io.Reader) ([]byte, error) {
	buf, err := io.ReadAll(io.LimitReader(r, maxReqRespSize))
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("network: empty message")
	}
	size, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, fmt.Errorf("network: invalid length prefix")
	}
	decoded, err := decompress(buf[n:])
	if err != nil {
		return nil, fmt.Errorf("network: decompress: %w", err)
	}
	if uint64(len(decoded)) != size {
		return nil, fmt.Errorf("network: size mismatch: expected %d, got %d", size, len(decoded))
	}
	return decoded, nil
}

func writeMessage(w io.Writer, data []byte) error {
	var prefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(prefix[:], uint64(len(data)))
	if _, err := w.Write(prefix[:n]); err != nil {
		return err
	}
	_, err := w.Write(compress(data))
	return err
}

func readResponse(r io.Reader) (byte, []byte, error) {
	codeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, codeBuf); err != nil {
		return 0, nil, err
	}
	data, err := readMessage(r)
	return codeBuf[0], data, err
}

func writeSuccess(w io.Writer, data []byte) {
	_, _ = w.Write([]byte{respCodeSuccess})
	_ = writeMessage(w, data)
}

func writeError(w io.Writer) {
	_, _ = w.Write([]byte{respCodeError})
}
