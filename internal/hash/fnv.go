// Package hash provides the 32-bit content fingerprint used to reject
// consecutive identical frames and to diff tiles against their prior
// state. FNV-1a is deterministic, fast on tens of kilobytes, and
// non-cryptographic -- exactly the properties the embedded display
// clients' own change-detection already assumes.
package hash

import "hash/fnv"

// Bytes returns the FNV-1a 32-bit hash of data.
func Bytes(data []byte) uint32 {
	h := fnv.New32a()
	h.Write(data)
	return h.Sum32()
}
