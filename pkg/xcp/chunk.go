// Package xcp implements the extreme-copy engine: a concurrent multi-source
// file transfer core that downloads one logical file from several replica
// URLs in parallel, rebalancing work between replicas as their throughput
// diverges.
package xcp

// Chunk is a contiguous range of the file that has been transferred by one
// source. Offset and Data together locate it within the destination.
// SourceID names the Src that delivered it, for logs and metrics; the
// original spec treats sources as anonymous, this is a pure diagnostic
// addition.
type Chunk struct {
	Offset   uint64
	Data     []byte
	SourceID string
}

// Length reports the number of bytes held in the chunk.
func (c *Chunk) Length() uint64 {
	if c == nil {
		return 0
	}
	return uint64(len(c.Data))
}
