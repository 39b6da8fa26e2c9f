// Package linemux merges the stdout and stderr of one process into a single
// sequence of text lines in arrival order.
//
// Lines keep their origin as metadata but consumers are free to ignore it;
// the task output shown to observers treats both streams as the same log.
package linemux

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// Source names the stream a line was read from.
type Source string

const (
	// Stdout marks lines read from standard output.
	Stdout Source = "stdout"
	// Stderr marks lines read from standard error.
	Stderr Source = "stderr"
)

// Line is one line of output without its terminator.
type Line struct {
	Source Source
	Text   string
}

// Stream yields merged lines. Next returns io.EOF once both sources ended.
type Stream struct {
	lines chan Line
	done  chan struct{}
	once  sync.Once
	errMu sync.Mutex
	err   error
	wg    sync.WaitGroup
	log   pslog.Logger
}

// New starts reading stdout and stderr and returns the merged stream.
func New(ctx context.Context, stdout io.Reader, stderr io.Reader) *Stream {
	s := &Stream{
		lines: make(chan Line, 256),
		done:  make(chan struct{}),
		log:   pslog.Ctx(ctx),
	}
	s.wg.Add(2)
	go s.read(ctx, Stdout, stdout)
	go s.read(ctx, Stderr, stderr)
	go func() {
		s.wg.Wait()
		close(s.lines)
	}()
	return s
}

func (s *Stream) read(ctx context.Context, source Source, reader io.Reader) {
	defer s.wg.Done()
	if reader == nil {
		return
	}
	buffered := bufio.NewReader(reader)
	count := 0
	for {
		text, err := buffered.ReadString('\n')
		if text != "" {
			count++
			if !s.emit(ctx, Line{Source: source, Text: trimTerminator(text)}) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				if s.log != nil {
					s.log.Warn("linemux read failed", "source", source, "err", err)
				}
				s.setErr(err)
			}
			if s.log != nil {
				s.log.Trace("linemux source ended", "source", source, "lines", count)
			}
			return
		}
	}
}

func (s *Stream) emit(ctx context.Context, line Line) bool {
	select {
	case s.lines <- line:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func trimTerminator(text string) string {
	text = strings.TrimSuffix(text, "\n")
	return strings.TrimSuffix(text, "\r")
}

func (s *Stream) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Stream) failure() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Next blocks until a line is available. A read error on either source ends
// the sequence with that error.
func (s *Stream) Next(ctx context.Context) (Line, error) {
	if err := s.failure(); err != nil {
		return Line{}, err
	}
	select {
	case <-ctx.Done():
		return Line{}, ctx.Err()
	case line, ok := <-s.lines:
		if ok {
			return line, nil
		}
		if err := s.failure(); err != nil {
			return Line{}, err
		}
		return Line{}, io.EOF
	}
}

// Close stops delivering lines. Readers blocked on the underlying sources
// return once those sources are closed.
func (s *Stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
