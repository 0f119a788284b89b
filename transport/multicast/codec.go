// Package multicast implements Herald's UDP heart-beat discovery protocol:
// a versioned binary packet codec plus the beacon loop and liveness tracker
// built on top of it. All packet fields are little-endian; strings are
// u16-length-prefixed UTF-8.
package multicast

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// FormatVersion is the current packet format version. Packets
// carrying a different value are dropped silently, no partial decoding.
const FormatVersion byte = 3

// Packet kinds.
const (
	KindHeartbeat byte = 1
	KindLastBeat  byte = 2
)

// DefaultGroupAddr is the default multicast group:port pair.
const DefaultGroupAddr = "239.0.0.1:42000"

// ErrUnsupportedVersion is returned by Decode when format-version does not
// equal FormatVersion.
var ErrUnsupportedVersion = errors.New("multicast: unsupported packet format version")

// ErrMalformed is returned by Decode for any packet too short or otherwise
// truncated to parse.
var ErrMalformed = errors.New("multicast: malformed packet")

// Heartbeat is an emitted-every-20s liveness announcement.
type Heartbeat struct {
	Port    uint16
	Path    string
	PeerUID string
	NodeUID string
	AppID   string
}

// LastBeat is sent once, on graceful shutdown, to let peers drop this
// node's http access immediately instead of waiting out the TTL.
type LastBeat struct {
	PeerUID string
	AppID   string
}

// EncodeHeartbeat renders h: u8 version, u8 kind=1, u16 port, then
// four length-prefixed UTF-8 strings (path, peerUid, nodeUid, appId), all
// little-endian.
func EncodeHeartbeat(h Heartbeat) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(FormatVersion)
	buf.WriteByte(KindHeartbeat)
	binary.Write(buf, binary.LittleEndian, h.Port)
	putString(buf, h.Path)
	putString(buf, h.PeerUID)
	putString(buf, h.NodeUID)
	putString(buf, h.AppID)
	return buf.Bytes()
}

// EncodeLastBeat renders l: u8 version, u8 kind=2, then two
// length-prefixed strings (peerUid, appId).
func EncodeLastBeat(l LastBeat) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(FormatVersion)
	buf.WriteByte(KindLastBeat)
	putString(buf, l.PeerUID)
	putString(buf, l.AppID)
	return buf.Bytes()
}

// Decode parses a raw packet into either a *Heartbeat or a *LastBeat.
// Packets with an unsupported format-version are rejected with
// ErrUnsupportedVersion before any further parsing is attempted. Callers
// should log at most, never partially apply the result.
func Decode(raw []byte) (interface{}, error) {
	if len(raw) < 2 {
		return nil, ErrMalformed
	}
	buf := bytes.NewReader(raw)

	var version, kind byte
	if err := binary.Read(buf, binary.LittleEndian, &version); err != nil {
		return nil, ErrMalformed
	}
	if version != FormatVersion {
		return nil, ErrUnsupportedVersion
	}
	if err := binary.Read(buf, binary.LittleEndian, &kind); err != nil {
		return nil, ErrMalformed
	}

	switch kind {
	case KindHeartbeat:
		var port uint16
		if err := binary.Read(buf, binary.LittleEndian, &port); err != nil {
			return nil, ErrMalformed
		}
		path, err := getString(buf)
		if err != nil {
			return nil, ErrMalformed
		}
		peerUID, err := getString(buf)
		if err != nil {
			return nil, ErrMalformed
		}
		nodeUID, err := getString(buf)
		if err != nil {
			return nil, ErrMalformed
		}
		appID, err := getString(buf)
		if err != nil {
			return nil, ErrMalformed
		}
		return &Heartbeat{Port: port, Path: path, PeerUID: peerUID, NodeUID: nodeUID, AppID: appID}, nil

	case KindLastBeat:
		peerUID, err := getString(buf)
		if err != nil {
			return nil, ErrMalformed
		}
		appID, err := getString(buf)
		if err != nil {
			return nil, ErrMalformed
		}
		return &LastBeat{PeerUID: peerUID, AppID: appID}, nil

	default:
		return nil, ErrMalformed
	}
}

// putString writes a u16-length-prefixed UTF-8 string, little-endian.
func putString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

// getString reads a u16-length-prefixed UTF-8 string, little-endian.
func getString(buf *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(buf, b); err != nil {
		return "", err
	}
	return string(b), nil
}
