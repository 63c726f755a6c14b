package util

import "hash/fnv"

const hashMask = uint32(0x7fffffff)

// Hash returns a non-negative int hash of the given key.
func Hash(key []byte) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() & hashMask)
}

// PartitionFor picks a partition for key, falling back to the round-robin
// choice rr when the message has no key.
func PartitionFor(key []byte, partitions int, rr int) int {
	if partitions <= 1 {
		return 0
	}
	if len(key) == 0 {
		return rr % partitions
	}
	return Hash(key) % partitions
}
