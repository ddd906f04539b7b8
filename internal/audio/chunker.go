package audio

import "math"

const (
	// SampleRate is the only rate the whisper models accept.
	SampleRate = 16000
	// WindowSeconds is the fixed decoder input length.
	WindowSeconds = 30
	// WindowSamples is WindowSeconds at SampleRate.
	WindowSamples = WindowSeconds * SampleRate
	// MinChunkSamples is the shortest window worth decoding (1s).
	MinChunkSamples = SampleRate
)

// Chunk is a [Start, End) sample range of a buffer. End reflects real audio,
// never padding.
type Chunk struct {
	Index int
	Start int
	End   int
}

// Len is the number of real samples in the chunk.
func (c Chunk) Len() int { return c.End - c.Start }

func (c Chunk) StartSeconds() float64 { return float64(c.Start) / SampleRate }
func (c Chunk) EndSeconds() float64   { return float64(c.End) / SampleRate }

// Window returns the chunk's samples zero-padded to WindowSamples.
func (c Chunk) Window(buf []float32) []float32 {
	return PadOrTrim(buf[c.Start:c.End], WindowSamples)
}

// Split cuts buf into consecutive WindowSamples windows. A final window
// shorter than MinChunkSamples is dropped. An empty buffer yields no chunks.
func Split(buf []float32) []Chunk {
	n := len(buf)
	chunks := make([]Chunk, 0, (n+WindowSamples-1)/WindowSamples)
	for start := 0; start < n; start += WindowSamples {
		end := start + WindowSamples
		if end > n {
			end = n
		}
		if end-start < MinChunkSamples {
			break
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Start: start, End: end})
	}
	return chunks
}

// PadOrTrim returns a copy of samples cut or zero-padded to exactly n.
func PadOrTrim(samples []float32, n int) []float32 {
	out := make([]float32, n)
	copy(out, samples)
	return out
}

// Duration returns the length of samples at SampleRate, in seconds.
func Duration(samples []float32) float64 {
	return float64(len(samples)) / SampleRate
}

// ExpectedChunks is ceil(seconds/WindowSeconds) minus a dropped sub-second tail.
func ExpectedChunks(samples int) int {
	if samples <= 0 {
		return 0
	}
	n := int(math.Ceil(float64(samples) / WindowSamples))
	if tail := samples % WindowSamples; tail != 0 && tail < MinChunkSamples {
		n--
	}
	return n
}
