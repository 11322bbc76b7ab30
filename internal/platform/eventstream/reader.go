// Package eventstream decodes the line-oriented event format used by the
// assistant streaming endpoint: repeated "event: <name>\ndata: <json>\n\n"
// records. The reader reassembles records split across network reads and
// skips malformed records without aborting the remainder of the stream.
package eventstream

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Record is one framed event as it appeared on the wire, in arrival order.
type Record struct {
	Event string
	Data  string
}

// Reader consumes framed records from a byte stream. It is not safe for
// concurrent use; one goroutine owns one stream.
type Reader struct {
	br      *bufio.Reader
	skipped int
}

// NewReader wraps r for record-at-a-time consumption.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Skipped returns the number of malformed records dropped so far.
func (r *Reader) Skipped() int { return r.skipped }

// Next returns the next complete record, blocking until one is assembled.
// It returns io.EOF once the stream ends cleanly; a record terminated by EOF
// instead of a blank line is still delivered. Records with no event name or
// no data lines are counted as malformed and skipped.
func (r *Reader) Next() (Record, error) {
	var (
		eventName string
		dataLines []string
		sawField  bool
	)

	finish := func() (Record, bool) {
		defer func() {
			eventName = ""
			dataLines = nil
			sawField = false
		}()
		if eventName == "" || len(dataLines) == 0 {
			if sawField {
				r.skipped++
			}
			return Record{}, false
		}
		return Record{Event: eventName, Data: strings.Join(dataLines, "\n")}, true
	}

	for {
		line, err := r.br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if line != "" {
					// Partial trailing line counts toward the final record.
					r.consumeLine(strings.TrimRight(line, "\r\n"), &eventName, &dataLines, &sawField)
				}
				if rec, ok := finish(); ok {
					return rec, nil
				}
				return Record{}, io.EOF
			}
			return Record{}, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if rec, ok := finish(); ok {
				return rec, nil
			}
			continue
		}
		r.consumeLine(line, &eventName, &dataLines, &sawField)
	}
}

func (r *Reader) consumeLine(line string, eventName *string, dataLines *[]string, sawField *bool) {
	switch {
	case strings.HasPrefix(line, ":"):
		// Comment line; keepalives arrive this way.
	case strings.HasPrefix(line, "event:"):
		*eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		*sawField = true
	case strings.HasPrefix(line, "data:"):
		*dataLines = append(*dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		*sawField = true
	default:
		// Unknown field; SSE says ignore.
		*sawField = true
	}
}
