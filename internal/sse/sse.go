// Package sse reads the "data: <json>" event framing used by llama.cpp
// servers for streamed completions.
package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Done is the literal payload that terminates an OpenAI-style stream.
const Done = "[DONE]"

// ErrStop may be returned by a callback to end the stream early without error.
var ErrStop = errors.New("sse: stop")

// Read calls fn with the payload of every data line until the stream ends,
// a [DONE] payload arrives, or fn returns an error. Blank lines, comments and
// other SSE fields are skipped. Lines that are not SSE framed are passed
// through unchanged, since some servers emit bare JSON objects per line.
func Read(r io.Reader, fn func(data string) error) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if l := strings.TrimSpace(line); l != "" {
			if data, ok := payload(l); ok {
				if data == Done {
					return nil
				}
				if cbErr := fn(data); cbErr != nil {
					if errors.Is(cbErr, ErrStop) {
						return nil
					}
					return cbErr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func payload(line string) (string, bool) {
	switch {
	case strings.HasPrefix(strings.ToLower(line), "data:"):
		return strings.TrimSpace(line[len("data:"):]), true
	case strings.HasPrefix(line, ":"),
		strings.HasPrefix(line, "event:"),
		strings.HasPrefix(line, "id:"),
		strings.HasPrefix(line, "retry:"):
		return "", false
	default:
		return line, true
	}
}
