package rpc

import (
	"context"
	"fmt"
	"io"
	"os"

	rtrmerrors "github.com/cuemby/rtrm/pkg/errors"
	"github.com/cuemby/rtrm/pkg/log"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// EnsureFIFO creates a named FIFO at path if one does not already exist.
func EnsureFIFO(path string) error {
	if err := unix.Mkfifo(path, 0o600); err != nil && !os.IsExist(err) {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

// Peer is one paired application's open channel: in reads
// application-originated traffic, out writes manager-originated traffic.
type Peer struct {
	AppPid int

	in  *os.File
	out *os.File
}

// pairWith completes a pairing: it opens the application's private
// inbound FIFO (creating the manager's read side) and its outbound FIFO
// write-only, per the handshake in the external-interfaces section.
func pairWith(appPid int, base string) (*Peer, error) {
	inPath := base + ".in"
	outPath := base + ".out"

	if err := EnsureFIFO(inPath); err != nil {
		return nil, err
	}
	in, err := os.OpenFile(inPath, os.O_RDONLY, os.ModeNamedPipe)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", inPath, err)
	}

	out, err := os.OpenFile(outPath, os.O_WRONLY, os.ModeNamedPipe)
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("open %s: %w", outPath, err)
	}

	return &Peer{AppPid: appPid, in: in, out: out}, nil
}

// Send writes one frame to the application.
func (p *Peer) Send(f Frame) error {
	_, err := p.out.Write(EncodeFrame(f))
	return err
}

// Recv reads the next frame from the application. A returned io.EOF means
// the application closed its end: application death.
func (p *Peer) Recv() (Frame, error) {
	return DecodeFrame(p.in)
}

// Close tears down both FIFOs.
func (p *Peer) Close() error {
	inErr := p.in.Close()
	outErr := p.out.Close()
	if inErr != nil {
		return inErr
	}
	return outErr
}

// Listener accepts APP_PAIR announcements on the well-known server FIFO.
type Listener struct {
	path   string
	logger zerolog.Logger
}

// NewListener creates (if needed) the server FIFO at path.
func NewListener(path string) (*Listener, error) {
	if err := EnsureFIFO(path); err != nil {
		return nil, err
	}
	return &Listener{path: path, logger: log.WithComponent("rpc")}, nil
}

// Accept blocks until one application announces itself and returns its
// paired Peer. The server FIFO has no writer between announcements, so a
// read returning io.EOF just means "no one has announced yet, reopen."
func (l *Listener) Accept(ctx context.Context) (*Peer, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		peer, err := l.acceptOnce()
		if err == io.EOF {
			continue
		}
		if err != nil {
			l.logger.Warn().Err(err).Msg("app pair rejected")
			continue
		}
		return peer, nil
	}
}

func (l *Listener) acceptOnce() (*Peer, error) {
	fh, err := os.OpenFile(l.path, os.O_RDONLY, os.ModeNamedPipe)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	frame, err := DecodeFrame(fh)
	if err != nil {
		return nil, err
	}
	if frame.MessageType != MsgAppPair {
		return nil, fmt.Errorf("server fifo: expected APP_PAIR, got %d: %w", frame.MessageType, rtrmerrors.ErrProtocolError)
	}

	req, err := DecodeAppPairRequest(frame.Body)
	if err != nil {
		return nil, err
	}
	if req.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Errorf("app pair: protocol version %d != %d: %w", req.ProtocolVersion, ProtocolVersion, rtrmerrors.ErrProtocolError)
	}

	return pairWith(int(frame.Header.AppPid), req.FIFOBase)
}
