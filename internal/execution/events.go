package execution

import (
	"context"
	"io"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

// EventType names a live-output event.
type EventType string

const (
	EventOutput      EventType = "output"
	EventInput       EventType = "input"
	EventFile        EventType = "file"
	EventInlineImage EventType = "inline-image"
)

// Event is the envelope sent to live viewers.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// FileEvent announces a downloadable artifact.
type FileEvent struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// InlineImageEvent lets a viewer render an image artifact in place.
type InlineImageEvent struct {
	OutputPath  string `json:"output_path"`
	DownloadURL string `json:"download_url"`
}

// Stream replays an execution to emit: the input prompt once, every output
// chunk from the start of the retained backlog, then the artifacts once the
// execution finished. It returns nil after the last event, or the first
// error from emit or ctx.
func (s *Service) Stream(ctx context.Context, e *Execution, emit func(Event) error) error {
	sub := e.Subscribe()
	defer sub.Close()

	if prompt := e.InputPrompt(); prompt != "" {
		if err := emit(Event{Type: EventInput, Data: prompt}); err != nil {
			return err
		}
	}

	var carry runeCarry
	for {
		chunk, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if text := carry.next(chunk); text != "" {
			if err := emit(Event{Type: EventOutput, Data: text}); err != nil {
				return err
			}
		}
	}
	if rest := carry.flush(); rest != "" {
		if err := emit(Event{Type: EventOutput, Data: rest}); err != nil {
			return err
		}
	}

	finished := make(chan struct{})
	if err := s.registry.OnFinish(e.ID, func(*Execution) { close(finished) }); err != nil {
		// cleaned up meanwhile, which only happens after the finish
		finished = nil
	}
	if finished != nil {
		select {
		case <-finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, file := range e.OutputFiles() {
		if err := emit(Event{Type: EventFile, Data: FileEvent{URL: file.URL, Filename: file.Filename}}); err != nil {
			return err
		}
		if file.Image {
			if err := emit(Event{Type: EventInlineImage, Data: InlineImageEvent{OutputPath: file.Path, DownloadURL: file.URL}}); err != nil {
				return err
			}
		}
	}
	return nil
}

// runeCarry holds back an incomplete trailing UTF-8 sequence until the next
// chunk completes it.
type runeCarry struct {
	pending []byte
}

func (c *runeCarry) next(chunk []byte) string {
	data := append(c.pending, chunk...)
	cut := completePrefix(data)
	c.pending = append([]byte(nil), data[cut:]...)
	return string(data[:cut])
}

func (c *runeCarry) flush() string {
	rest := string(c.pending)
	c.pending = nil
	return rest
}

// completePrefix returns the length of data without a trailing incomplete
// rune. Invalid bytes count as complete.
func completePrefix(data []byte) int {
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(data[i]) {
			continue
		}
		if utf8.FullRune(data[i:]) {
			return len(data)
		}
		return i
	}
	return len(data)
}
