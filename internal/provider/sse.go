package provider

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Event is one server-sent event line pair.
type Event struct {
	Name string
	Data string
}

// ErrStopStream may be returned by a ScanEvents callback to end the scan
// without error.
var ErrStopStream = errors.New("stop stream")

// ScanEvents reads "event:" and "data:" lines from r and calls fn for every
// data line, tagged with the most recent event name.
func ScanEvents(r io.Reader, fn func(Event) error) error {
	reader := bufio.NewReader(r)
	var current string
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			switch {
			case strings.HasPrefix(line, "event:"):
				current = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if ferr := fn(Event{Name: current, Data: data}); ferr != nil {
					if errors.Is(ferr, ErrStopStream) {
						return nil
					}
					return ferr
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
