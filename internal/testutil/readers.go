package testutil

import (
	"io"
	"sync"
)

// StallingReader never returns data; Read blocks until Close.
type StallingReader struct {
	once sync.Once
	done chan struct{}
}

// NewStallingReader creates a StallingReader.
func NewStallingReader() *StallingReader {
	return &StallingReader{done: make(chan struct{})}
}

func (s *StallingReader) Read([]byte) (int, error) {
	<-s.done
	return 0, io.ErrClosedPipe
}

func (s *StallingReader) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// CorruptingReader flips the first byte it returns.
type CorruptingReader struct {
	io.ReadCloser
	flipped bool
}

// NewCorruptingReader wraps r.
func NewCorruptingReader(r io.ReadCloser) *CorruptingReader {
	return &CorruptingReader{ReadCloser: r}
}

func (c *CorruptingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if n > 0 && !c.flipped {
		p[0] ^= 0xff
		c.flipped = true
	}
	return n, err
}
