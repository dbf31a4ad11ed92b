package request

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"

	reqerrors "github.com/marcogenualdo/reqprint/internal/errors"
)

const contentLengthPrefix = "content-length: "

// Request is what could be read from one connection: the header lines in arrival
// order, the last announced Content-Length and the body bytes it announced.
type Request struct {
	Lines         []string
	ContentLength uint64
	Body          []byte
}

// Empty reports whether no header line was read before the blank line or end of stream.
func (r *Request) Empty() bool {
	return len(r.Lines) == 0
}

// FirstLine returns the request line, or "" for an empty request.
func (r *Request) FirstLine() string {
	if r.Empty() {
		return ""
	}
	return r.Lines[0]
}

// HasBody reports whether body bytes were read.
func (r *Request) HasBody() bool {
	return r.ContentLength > 0
}

// Read parses header lines from r up to the first empty line and, when a
// Content-Length header announced one, reads exactly that many body bytes.
func Read(r io.Reader) (*Request, error) {
	br := bufio.NewReader(r)
	req := &Request{}

	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, reqerrors.NewIOError("read header line", err)
		}
		eof := err != nil

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			break
		}

		if strings.HasPrefix(strings.ToLower(trimmed), contentLengthPrefix) {
			n, perr := parseContentLength(trimmed)
			if perr != nil {
				return nil, reqerrors.NewMalformedHeaderError(trimmed, perr)
			}
			req.ContentLength = n
		}
		req.Lines = append(req.Lines, trimmed)

		if eof {
			break
		}
	}

	if req.ContentLength > 0 {
		body, err := readBody(br, req.ContentLength)
		if err != nil {
			return nil, err
		}
		req.Body = body
	}

	return req, nil
}

// parseContentLength takes the field between the first and second colon, which for
// any well-formed header is the whole value.
func parseContentLength(line string) (uint64, error) {
	value := strings.TrimSpace(strings.Split(line, ":")[1])
	// A single leading plus sign is accepted, a lone one is not.
	if rest, ok := strings.CutPrefix(value, "+"); ok {
		if rest == "" {
			return 0, strconv.ErrSyntax
		}
		value = rest
	}
	// 63 bits so the length always fits the int64 that io.CopyN takes.
	return strconv.ParseUint(value, 10, 63)
}

func readBody(r io.Reader, n uint64) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, reqerrors.NewIOError("read body", err)
	}
	return buf.Bytes(), nil
}
