package media

import (
	"os"
)

// Sink receives the reassembled media stream in playback order: the head
// first, then parts as they become available.
type Sink interface {
	// Init hands the sink the head buffer before any part.
	Init(head []byte) error
	// Append hands the sink one reassembled part.
	Append(part []byte) error
	// Finish signals end-of-stream after the last part.
	Finish() error
}

// FileSink writes the stream to a local file.
type FileSink struct {
	f *os.File
}

func NewFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) Init(head []byte) error {
	_, err := s.f.Write(head)
	return err
}

func (s *FileSink) Append(part []byte) error {
	_, err := s.f.Write(part)
	return err
}

func (s *FileSink) Finish() error {
	return s.f.Close()
}
