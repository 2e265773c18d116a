package dispatch

import (
	"hash/crc32"
)

func crc32sum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
