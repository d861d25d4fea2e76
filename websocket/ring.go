package websocket

import "github.com/Daniel865692/energy-management-platform/models"

// RingBuffer keeps the last maxSize chart samples of one device, evicting
// the oldest. It is not safe for concurrent use; the hub guards it.
type RingBuffer struct {
	samples  []models.BufferedSample
	maxSize  int
	position int
	full     bool
}

// NewRingBuffer creates a buffer holding at most maxSize samples
func NewRingBuffer(maxSize int) *RingBuffer {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &RingBuffer{
		samples: make([]models.BufferedSample, maxSize),
		maxSize: maxSize,
	}
}

// Add stores a sample, overwriting the oldest once full
func (rb *RingBuffer) Add(sample models.BufferedSample) {
	rb.samples[rb.position] = sample
	rb.position = (rb.position + 1) % rb.maxSize
	if !rb.full && rb.position == 0 {
		rb.full = true
	}
}

// Len returns the number of samples held
func (rb *RingBuffer) Len() int {
	if rb.full {
		return rb.maxSize
	}
	return rb.position
}

// Samples returns a copy of all samples, oldest first
func (rb *RingBuffer) Samples() []models.BufferedSample {
	if !rb.full {
		out := make([]models.BufferedSample, rb.position)
		copy(out, rb.samples[:rb.position])
		return out
	}

	out := make([]models.BufferedSample, rb.maxSize)
	for i := 0; i < rb.maxSize; i++ {
		out[i] = rb.samples[(rb.position+i)%rb.maxSize]
	}
	return out
}

// Recent returns the n most recent samples, oldest first
func (rb *RingBuffer) Recent(n int) []models.BufferedSample {
	samples := rb.Samples()
	if n <= 0 || n >= len(samples) {
		return samples
	}
	return samples[len(samples)-n:]
}
