package peerdex

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
)

const (
	cmdQuit = "/quit"
	cmdID   = "/id"
)

// runSender reads `<peer id> <text>` lines from the input and sends them.
// Failures are reported to the user and never stop the worker, only
// `/quit`, the end of the input, or termination do.
func (n *Node) runSender(ctx context.Context) error {
	if n.cfg.input == nil {
		<-ctx.Done()
		return nil
	}

	// The read itself cannot be interrupted, so it happens on its own
	// goroutine and termination only stops waiting for it.
	lines := make(chan inputLine)
	go func() {
		defer close(lines)
		reader := bufio.NewReader(n.cfg.input)
		for {
			text, err := readLine(reader, MaxMessageSize)
			if err != nil && !errors.Is(err, errLineTooLong) {
				if !errors.Is(err, io.EOF) {
					n.logger.Warn("stopped reading input", LabelError.L(err))
				}
				return
			}
			select {
			case lines <- inputLine{text: text, err: err}:
			case <-n.closeCh:
				return
			}
		}
	}()

	for {
		var line inputLine
		var open bool
		select {
		case <-ctx.Done():
			return nil
		case line, open = <-lines:
			if !open {
				n.logger.Debug("end of input")
				return errUserQuit
			}
		}

		if line.err != nil {
			n.out.Printf("message too large (limit is %d bytes)", MaxMessageSize)
			continue
		}
		if err := n.handleLine(ctx, line.text); err != nil {
			return err
		}
	}
}

type inputLine struct {
	text string
	err  error
}

var errLineTooLong = errors.New("input line too long")

// readLine returns the next line without its terminator. A line longer than
// limit is consumed entirely and reported as errLineTooLong. The last line
// may miss its newline.
func readLine(r *bufio.Reader, limit int) (string, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			if len(bytes.TrimRight(line, "\r\n")) > limit {
				tooLong = true
				line = nil
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil:
		case errors.Is(err, io.EOF) && (tooLong || len(line) > 0):
		default:
			return "", err
		}

		if tooLong {
			return "", errLineTooLong
		}
		return string(bytes.TrimRight(line, "\r\n")), nil
	}
}

func (n *Node) handleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return nil
	case cmdQuit:
		return errUserQuit
	case cmdID:
		n.out.Printf("id: %s", n.ID())
		return nil
	}

	dst, payload, err := parseSendLine(line)
	if err != nil {
		n.out.Printf("usage: <peer id> <message> (%s)", err)
		return nil
	}

	_, err = n.Send(ctx, dst, payload)
	switch {
	case err == nil:
	case errors.Is(err, ErrNodeClosed):
		return nil
	case errors.Is(err, ErrNotFound):
		n.out.Printf("unknown peer %s", dst)
	case errors.Is(err, ErrTransport), errors.Is(err, ErrTransportDown):
		n.out.Printf("destination unreachable %s: %s", dst, err)
	default:
		n.out.Printf("could not send to %s: %s", dst, err)
	}
	if err != nil {
		n.logger.Debug("send failed", LabelPeerID.L(dst), LabelError.L(err))
	}
	return nil
}

func parseSendLine(line string) (PeerID, string, error) {
	sep := strings.IndexAny(line, " \t")
	if sep < 0 {
		return PeerID{}, "", errors.New("missing message")
	}
	rawID, payload := line[:sep], strings.TrimSpace(line[sep+1:])
	if payload == "" {
		return PeerID{}, "", errors.New("missing message")
	}
	dst, err := ParsePeerID(rawID)
	if err != nil {
		return PeerID{}, "", err
	}
	return dst, payload, nil
}
