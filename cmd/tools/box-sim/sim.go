package main

// cSpell:ignore CMDRL CMDGR CMDPRST
import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fisaks/relexbox/internal/logging"
	"github.com/fisaks/relexbox/internal/protocol"
	"github.com/fisaks/relexbox/internal/util"
)

const writeTimeout = 2 * time.Second

// simulator holds the relay and input state packed one bit per channel,
// channel 1 in the lowest bit.
type simulator struct {
	mu         sync.Mutex
	relays     []byte
	inputs     []byte
	clients    map[net.Conn]struct{}
	dropOnPing bool
	log        *slog.Logger
}

func newSimulator(relays, inputs string) *simulator {
	return &simulator{
		relays:  pack(relays),
		inputs:  pack(inputs),
		clients: make(map[net.Conn]struct{}),
		log:     logging.With("component", "box-sim"),
	}
}

func pack(s string) []byte {
	s = (s + strings.Repeat("0", protocol.Channels))[:protocol.Channels]
	return util.BinaryStringToBits(s)
}

func vector(bs []byte) protocol.ChannelVector {
	var v protocol.ChannelVector
	s := util.BitsToBinaryString(bs, protocol.Channels)
	for i := 0; i < len(s); i++ {
		v[i] = s[i] == '1'
	}
	return v
}

func setChannel(bs []byte, n int, on bool) {
	mask := byte(1) << (n - 1)
	if on {
		bs[0] |= mask
	} else {
		bs[0] &^= mask
	}
}

func (s *simulator) relayString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return vector(s.relays).String()
}

func (s *simulator) inputString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return vector(s.inputs).String()
}

// framesLocked renders the state dump the way the box sends it.
func (s *simulator) framesLocked() string {
	return protocol.FormatStateFrame(protocol.Relays, vector(s.relays)) +
		protocol.FormatStateFrame(protocol.Inputs, vector(s.inputs)) + "\r\n"
}

// handle executes one command line. reply goes to the sender only unless
// broadcast is set; drop asks the caller to hang up.
func (s *simulator) handle(line string) (reply string, broadcast bool, drop bool) {
	line = strings.TrimSpace(line)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case line == "":
		return "", false, false
	case line == "PING":
		return "", false, s.dropOnPing
	case line == "::CMD_STAT":
		return s.framesLocked(), false, false
	case strings.HasPrefix(line, "::CMDRL"):
		n, op, ok := splitCommand(line[len("::CMDRL"):])
		if !ok || n < 1 || n > protocol.Channels {
			break
		}
		switch op {
		case "ON":
			setChannel(s.relays, n, true)
		case "OF":
			setChannel(s.relays, n, false)
		case "TG":
			setChannel(s.relays, n, !vector(s.relays).Channel(n))
		default:
			s.log.Warn("Unknown relay operation", "line", line)
			return "", false, false
		}
		return s.framesLocked(), true, false
	case strings.HasPrefix(line, "::CMDGR"):
		n, op, ok := splitCommand(line[len("::CMDGR"):])
		if !ok || (op != "ON" && op != "OF") {
			break
		}
		channels := groupChannels(n)
		if channels == nil {
			s.log.Warn("Unknown group", "group", n)
			return "", false, false
		}
		for _, ch := range channels {
			setChannel(s.relays, ch, op == "ON")
		}
		return s.framesLocked(), true, false
	case strings.HasPrefix(line, "::CMDPRST"):
		n, err := strconv.Atoi(line[len("::CMDPRST"):])
		if err != nil || n < 0 || n > 15 {
			break
		}
		s.relays[0] = byte(n)
		return s.framesLocked(), true, false
	}
	s.log.Warn("Unknown command", "line", line)
	return "", false, false
}

// splitCommand splits "3ON" into 3 and "ON".
func splitCommand(rest string) (int, string, bool) {
	if len(rest) < 3 {
		return 0, "", false
	}
	n, err := strconv.Atoi(rest[:len(rest)-2])
	if err != nil {
		return 0, "", false
	}
	return n, rest[len(rest)-2:], true
}

// Group 0 is every relay; group n pairs relays 2n-1 and 2n.
func groupChannels(n int) []int {
	if n == 0 {
		return []int{1, 2, 3, 4, 5, 6, 7, 8}
	}
	if n < 1 || n > protocol.Channels/2 {
		return nil
	}
	return []int{2*n - 1, 2 * n}
}

// scanCommands splits on '\n' or '\r' so both "::CMD..\n" and "PING\r"
// arrive as one token.
func scanCommands(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (s *simulator) serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *simulator) handleConn(conn net.Conn) {
	log := s.log.With("remote", conn.RemoteAddr().String())
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
	log.Info("Client connected")

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		_ = conn.Close()
		log.Info("Client disconnected")
	}()

	sc := bufio.NewScanner(conn)
	sc.Split(scanCommands)
	for sc.Scan() {
		line := sc.Text()
		log.Debug("rx", "line", line)
		reply, broadcast, drop := s.handle(line)
		if drop {
			log.Info("Dropping client on PING")
			return
		}
		if reply == "" {
			continue
		}
		if broadcast {
			s.broadcast(reply)
			continue
		}
		if err := write(conn, reply); err != nil {
			log.Warn("Write failed", "error", err)
			return
		}
	}
}

func (s *simulator) broadcast(msg string) {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := write(c, msg); err != nil {
			s.log.Warn("Broadcast failed", "remote", c.RemoteAddr().String(), "error", err)
		}
	}
}

func write(conn net.Conn, msg string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write([]byte(msg))
	return err
}

// cycleInputs activates one input at a time, channel 1 through 8.
func (s *simulator) cycleInputs(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	ch := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.mu.Lock()
			s.inputs[0] = 1 << ch
			frames := s.framesLocked()
			s.mu.Unlock()
			ch = (ch + 1) % protocol.Channels
			s.broadcast(frames)
		}
	}
}
