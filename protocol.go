package main

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol constants for the UDP Tracker Protocol (BEP 15)
// https://bittorrent.org/beps/bep_0015.html
const (
	protocolID = 0x41727101980 // fixed "magic constant"

	maxPacketSize     = 1500 // typical unfragmented Ethernet frame (MTU)
	maxPeersPerPacket = 200  // 200 * 6 peers = 1220 bytes (under 1500 MTU)

	// Packet header size: connection_id:8 + action:4 + transaction_id:4
	packetHeaderSize = 16

	connectRequestSize = packetHeaderSize

	// Announce request size (sum of all fields):
	// connection_id:8 + action:4 + transaction_id:4 + info_hash:20 + peer_id:20 +
	// downloaded:8 + left:8 + uploaded:8 + event:4 + IP:4 + key:4 + num_want:4 + port:2
	announceRequestSize = 98

	infoHashSize    = 20
	maxScrapeHashes = (maxPacketSize - packetHeaderSize) / infoHashSize // 74

	connectResponseSize = 4 + 4 + 8 // action:4 + transaction_id:4 + connection_id:8
	announceHeaderSize  = 20        // action:4 + transaction_id:4 + interval:4 + leechers:4 + seeders:4
	peerAddrSize        = 6         // ipv4:4 + port:2
	scrapeHeaderSize    = 8         // action:4 + transaction_id:4
	scrapeEntrySize     = 12        // seeders:4 + completed:4 + leechers:4
	errorHeaderSize     = 8         // action:4 + transaction_id:4
)

type Action uint32

const (
	actionConnect  Action = 0
	actionAnnounce Action = 1
	actionScrape   Action = 2
	actionError    Action = 3
)

func (a Action) String() string {
	switch a {
	case actionConnect:
		return "connect"
	case actionAnnounce:
		return "announce"
	case actionScrape:
		return "scrape"
	case actionError:
		return "error"
	default:
		return "unknown"
	}
}

type Event uint32

const (
	eventNone      Event = 0 // regular update
	eventCompleted Event = 1
	eventStarted   Event = 2
	eventStopped   Event = 3
)

func (e Event) String() string {
	switch e {
	case eventNone:
		return "none"
	case eventCompleted:
		return "completed"
	case eventStarted:
		return "started"
	case eventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// errMalformedPacket is wrapped by every decode failure. Malformed packets are dropped.
var errMalformedPacket = errors.New("malformed packet")

// requestHeader is the common prefix of every request.
// Packet header format: [connection_id:8][action:4][transaction_id:4]
type requestHeader struct {
	connectionID  uint64
	action        Action
	transactionID uint32
}

func (h requestHeader) header() requestHeader { return h }

// request is one of *connectRequest, *announceRequest or *scrapeRequest.
type request interface {
	header() requestHeader
}

type connectRequest struct {
	requestHeader
}

// announceRequest holds the parsed fields from an announce request packet.
type announceRequest struct {
	requestHeader
	infoHash   HashID
	peerID     HashID
	downloaded int64
	left       int64
	uploaded   int64
	event      Event
	ipAddr     uint32
	key        int32
	numWant    int32
	port       uint16
}

type scrapeRequest struct {
	requestHeader
	infoHashes []HashID
}

// decodeRequest classifies a datagram by its action field and decodes it.
// Sizes are exact: 16 for connect, 98 for announce, 16+20*k (1 <= k <= 74) for scrape.
func decodeRequest(packet []byte) (request, error) {
	if len(packet) < packetHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", errMalformedPacket, len(packet))
	}

	hdr := requestHeader{
		connectionID:  binary.BigEndian.Uint64(packet[0:8]),
		action:        Action(binary.BigEndian.Uint32(packet[8:12])),
		transactionID: binary.BigEndian.Uint32(packet[12:16]),
	}

	switch hdr.action {
	case actionConnect:
		if len(packet) != connectRequestSize {
			return nil, fmt.Errorf("%w: connect length %d", errMalformedPacket, len(packet))
		}
		if hdr.connectionID != protocolID {
			return nil, fmt.Errorf("%w: invalid protocol id %#x", errMalformedPacket, hdr.connectionID)
		}
		return &connectRequest{requestHeader: hdr}, nil

	case actionAnnounce:
		if len(packet) != announceRequestSize {
			return nil, fmt.Errorf("%w: announce length %d", errMalformedPacket, len(packet))
		}
		return decodeAnnounce(hdr, packet), nil

	case actionScrape:
		payload := len(packet) - packetHeaderSize
		if payload == 0 || payload%infoHashSize != 0 {
			return nil, fmt.Errorf("%w: scrape length %d", errMalformedPacket, len(packet))
		}
		if payload/infoHashSize > maxScrapeHashes {
			return nil, fmt.Errorf("%w: %d scrape hashes", errMalformedPacket, payload/infoHashSize)
		}
		return decodeScrape(hdr, packet), nil

	default:
		return nil, fmt.Errorf("%w: unknown action %d", errMalformedPacket, uint32(hdr.action))
	}
}

// decodeAnnounce reads every field at its fixed offset.
//
//	[connection_id:8][action:4][transaction_id:4][info_hash:20][peer_id:20]
//	[downloaded:8][left:8][uploaded:8][event:4][IP:4][key:4][num_want:4][port:2]
func decodeAnnounce(hdr requestHeader, packet []byte) *announceRequest {
	//nolint:gosec // two's complement reinterpretation of wire fields is intended
	return &announceRequest{
		requestHeader: hdr,
		infoHash:      NewHashID(packet[16:36]),
		peerID:        NewHashID(packet[36:56]),
		downloaded:    int64(binary.BigEndian.Uint64(packet[56:64])),
		left:          int64(binary.BigEndian.Uint64(packet[64:72])),
		uploaded:      int64(binary.BigEndian.Uint64(packet[72:80])),
		event:         Event(binary.BigEndian.Uint32(packet[80:84])),
		ipAddr:        binary.BigEndian.Uint32(packet[84:88]),
		key:           int32(binary.BigEndian.Uint32(packet[88:92])),
		numWant:       int32(binary.BigEndian.Uint32(packet[92:96])),
		port:          binary.BigEndian.Uint16(packet[96:98]),
	}
}

// decodeScrape splits the trailing payload into 20-byte info hashes, in request order.
func decodeScrape(hdr requestHeader, packet []byte) *scrapeRequest {
	n := (len(packet) - packetHeaderSize) / infoHashSize
	hashes := make([]HashID, n)
	for i := range n {
		off := packetHeaderSize + i*infoHashSize
		hashes[i] = NewHashID(packet[off : off+infoHashSize])
	}
	return &scrapeRequest{requestHeader: hdr, infoHashes: hashes}
}

// Response encoders. Each returns a freshly allocated buffer that the caller owns;
// the I/O layer sends it and lets it go.

// encodeConnectResponse: [action:4][transaction_id:4][connection_id:8]
func encodeConnectResponse(transactionID uint32, connectionID uint64) []byte {
	b := make([]byte, 0, connectResponseSize)
	b = binary.BigEndian.AppendUint32(b, uint32(actionConnect))
	b = binary.BigEndian.AppendUint32(b, transactionID)
	return binary.BigEndian.AppendUint64(b, connectionID)
}

// encodeAnnounceResponse: 20-byte header followed by 6 bytes per peer, in the given order.
// The caller bounds len(peers); the codec does not clamp.
func encodeAnnounceResponse(transactionID uint32, interval, leechers, seeders int32, peers []PeerAddr) []byte {
	b := make([]byte, 0, announceHeaderSize+len(peers)*peerAddrSize)
	b = binary.BigEndian.AppendUint32(b, uint32(actionAnnounce))
	b = binary.BigEndian.AppendUint32(b, transactionID)
	//nolint:gosec // counts and interval are non-negative
	b = binary.BigEndian.AppendUint32(b, uint32(interval))
	//nolint:gosec // counts and interval are non-negative
	b = binary.BigEndian.AppendUint32(b, uint32(leechers))
	//nolint:gosec // counts and interval are non-negative
	b = binary.BigEndian.AppendUint32(b, uint32(seeders))
	for _, p := range peers {
		b = binary.BigEndian.AppendUint32(b, p.IP)
		b = binary.BigEndian.AppendUint16(b, p.Port)
	}
	return b
}

// encodeScrapeResponse: 8-byte header then [seeders:4][completed:4][leechers:4] per entry.
func encodeScrapeResponse(transactionID uint32, stats []TorrentStats) []byte {
	b := make([]byte, 0, scrapeHeaderSize+len(stats)*scrapeEntrySize)
	b = binary.BigEndian.AppendUint32(b, uint32(actionScrape))
	b = binary.BigEndian.AppendUint32(b, transactionID)
	for _, s := range stats {
		//nolint:gosec // counters are non-negative
		b = binary.BigEndian.AppendUint32(b, uint32(s.Seeders))
		//nolint:gosec // counters are non-negative
		b = binary.BigEndian.AppendUint32(b, uint32(s.Downloads))
		//nolint:gosec // counters are non-negative
		b = binary.BigEndian.AppendUint32(b, uint32(s.Leechers))
	}
	return b
}

// encodeErrorResponse: [action:4][transaction_id:4][message][NUL]
func encodeErrorResponse(transactionID uint32, message string) []byte {
	b := make([]byte, 0, errorHeaderSize+len(message)+1)
	b = binary.BigEndian.AppendUint32(b, uint32(actionError))
	b = binary.BigEndian.AppendUint32(b, transactionID)
	b = append(b, message...)
	return append(b, 0)
}
