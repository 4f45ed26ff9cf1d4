package audio

const (
	// SampleRate is the capture rate in Hz (16kHz mono PCM16)
	SampleRate = 16000
	Channels   = 1

	// DefaultChunkSamples is 2 seconds of audio at SampleRate
	DefaultChunkSamples = 32000
)

// Chunk is a contiguous run of samples ready for transmission
type Chunk struct {
	Samples    []int16
	SequenceID uint64
}

// ChunkBuffer accumulates samples and yields fixed-size chunks.
// Samples beyond the threshold carry into the next chunk.
// It is single-producer and not safe for concurrent use.
type ChunkBuffer struct {
	size   int
	buffer []int16
	seq    uint64
}

// NewChunkBuffer creates a buffer emitting chunks of n samples.
func NewChunkBuffer(n int) *ChunkBuffer {
	if n <= 0 {
		n = DefaultChunkSamples
	}
	return &ChunkBuffer{
		size:   n,
		buffer: make([]int16, 0, n),
	}
}

// Push appends samples and returns every complete chunk, oldest first.
func (b *ChunkBuffer) Push(samples []int16) []Chunk {
	b.buffer = append(b.buffer, samples...)

	var ready []Chunk
	for len(b.buffer) >= b.size {
		chunk := make([]int16, b.size)
		copy(chunk, b.buffer[:b.size])
		ready = append(ready, Chunk{Samples: chunk, SequenceID: b.seq})
		b.seq++

		// Shift the carry to the front so the backing array does not grow unbounded
		n := copy(b.buffer, b.buffer[b.size:])
		b.buffer = b.buffer[:n]
	}
	return ready
}

// Flush returns the partial remainder, if any, and resets the buffer.
func (b *ChunkBuffer) Flush() (Chunk, bool) {
	if len(b.buffer) == 0 {
		return Chunk{}, false
	}
	tail := make([]int16, len(b.buffer))
	copy(tail, b.buffer)
	chunk := Chunk{Samples: tail, SequenceID: b.seq}
	b.seq++
	b.buffer = b.buffer[:0]
	return chunk, true
}

// Len returns the number of buffered samples.
func (b *ChunkBuffer) Len() int {
	return len(b.buffer)
}

// Size returns the chunk threshold.
func (b *ChunkBuffer) Size() int {
	return b.size
}

// Reset drops buffered samples and restarts sequence numbering.
func (b *ChunkBuffer) Reset() {
	b.buffer = b.buffer[:0]
	b.seq = 0
}
