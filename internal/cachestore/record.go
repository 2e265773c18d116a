// Package cachestore implements the two-level, content-addressed compile
// cache and its append-only on-disk persistence. The first level maps a
// request fingerprint to a data fingerprint; the second maps
// a data fingerprint to the compiled bytes, so two requests that compile
// to byte-identical output share one copy on disk.
package cachestore

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/shadertools/shadercompiled/internal/fingerprint"
)

var signature = [4]byte{'S', 'H', 'D', 'R'}

// maxDataSize bounds a single record's body so a corrupted dataSize field
// can't make loadFile try to allocate gigabytes before it notices the
// record is bad.
const maxDataSize = 1024 * 1024

// recordFlags distinguishes the two record kinds that share the same
// on-disk header shape.
type recordFlags uint32

const (
	flagReference recordFlags = 1 << iota
	flagData
)

// headerSize is signature(4) + dataSize(4) + flags(4) + hash(16).
const headerSize = 4 + 4 + 4 + fingerprint.Size

type header struct {
	dataSize uint32
	flags    recordFlags
	hash     fingerprint.Hash
}

func (h header) marshal() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:4], signature[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.dataSize)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.flags))
	copy(buf[12:12+fingerprint.Size], h.hash.Bytes())
	return buf
}

func unmarshalHeader(buf []byte) (header, error) {
	var h header
	if len(buf) != headerSize {
		return h, fmt.Errorf("cachestore: short header (%d bytes)", len(buf))
	}
	if [4]byte(buf[0:4]) != signature {
		return h, fmt.Errorf("cachestore: bad signature %q", buf[0:4])
	}
	h.dataSize = binary.LittleEndian.Uint32(buf[4:8])
	if h.dataSize == 0 || h.dataSize > maxDataSize {
		return h, fmt.Errorf("cachestore: implausible record size %d", h.dataSize)
	}
	h.flags = recordFlags(binary.LittleEndian.Uint32(buf[8:12]))
	hash, err := fingerprint.FromBytes(buf[12 : 12+fingerprint.Size])
	if err != nil {
		return h, err
	}
	h.hash = hash
	return h, nil
}

// referenceRecord encodes requestHash -> dataHash.
func referenceRecord(requestHash, dataHash fingerprint.Hash) []byte {
	h := header{dataSize: fingerprint.Size, flags: flagReference, hash: requestHash}
	return append(h.marshal(), dataHash.Bytes()...)
}

// dataRecord encodes dataHash -> payload.
func dataRecord(dataHash fingerprint.Hash, payload []byte) []byte {
	h := header{dataSize: uint32(len(payload)), flags: flagData, hash: dataHash}
	return append(h.marshal(), payload...)
}

// readRecord reads one record from r, returning io.EOF only when the
// stream ends exactly on a record boundary (a clean end of file).
func readRecord(r io.Reader) (header, []byte, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return header{}, nil, err
	}
	h, err := unmarshalHeader(buf)
	if err != nil {
		return header{}, nil, err
	}
	body := make([]byte, h.dataSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return header{}, nil, err
	}
	return h, body, nil
}
