// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package main

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/intuitivelabs/reactor"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// clientInfo tracks per-connection bookkeeping.
type clientInfo struct {
	id      uuid.UUID
	fd      int
	timerID int
	rbytes  uint64
}

// echoServer accepts TCP connections on a listening fd registered with a
// reactor.Reactor, echoes back everything each client sends, and logs a
// periodic per-client byte count via a reactor timer.
type echoServer struct {
	ev  *reactor.Reactor
	cfg Config

	mu       sync.Mutex
	clients  map[int]*clientInfo
	serverFd int
}

func newEchoServer(ev *reactor.Reactor, cfg Config) *echoServer {
	return &echoServer{
		ev:       ev,
		cfg:      cfg,
		clients:  make(map[int]*clientInfo),
		serverFd: -1,
	}
}

// start creates, binds and listens on the configured port, then registers
// the listening fd with the reactor.
func (s *echoServer) start() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("echosrv: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("echosrv: setsockopt SO_REUSEADDR: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: s.cfg.Port}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("echosrv: bind port %d: %w", s.cfg.Port, err)
	}
	if err := unix.Listen(fd, 10); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("echosrv: listen: %w", err)
	}

	if !s.ev.AddFd(fd, reactor.EventRead, s.handleListener) {
		_ = unix.Close(fd)
		return fmt.Errorf("echosrv: failed to register listening fd %d", fd)
	}
	s.serverFd = fd
	log.Info().Int("port", s.cfg.Port).Int("fd", fd).Msg("echosrv: listening")
	return nil
}

// stop removes every registered client and the listener, and closes their
// fds. The reactor itself never closes fds it didn't create.
func (s *echoServer) stop() {
	s.mu.Lock()
	fds := make([]int, 0, len(s.clients))
	for fd := range s.clients {
		fds = append(fds, fd)
	}
	s.mu.Unlock()
	for _, fd := range fds {
		s.removeClient(fd)
	}
	if s.serverFd >= 0 {
		s.ev.RemoveFd(s.serverFd)
		_ = unix.Close(s.serverFd)
		s.serverFd = -1
	}
}

func (s *echoServer) handleListener(fd int, _ reactor.Events, actual reactor.Events) {
	if actual&reactor.EventRead == 0 {
		return
	}
	for {
		clientFd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				log.Warn().Err(err).Msg("echosrv: accept failed")
			}
			return
		}
		s.addClient(clientFd)
	}
}

func (s *echoServer) addClient(fd int) {
	c := &clientInfo{id: uuid.New(), fd: fd, timerID: reactor.TimerIDNone}

	s.mu.Lock()
	s.clients[fd] = c
	s.mu.Unlock()

	if !s.ev.AddFd(fd, reactor.EventRead, s.handleClient) {
		log.Warn().Int("fd", fd).Msg("echosrv: client fd already registered, dropping")
		s.mu.Lock()
		delete(s.clients, fd)
		s.mu.Unlock()
		_ = unix.Close(fd)
		return
	}

	c.timerID = s.ev.AddTimer(s.cfg.ClientStatsIntervalMs, func(timerID int) {
		s.reportClientStats(fd, timerID)
	}, true)

	log.Info().Int("fd", fd).Str("client_id", c.id.String()).Msg("echosrv: client connected")
}

func (s *echoServer) removeClient(fd int) {
	s.mu.Lock()
	c, ok := s.clients[fd]
	if ok {
		delete(s.clients, fd)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.ev.RemoveFd(fd)
	if c.timerID != reactor.TimerIDNone {
		s.ev.RemoveTimer(c.timerID)
	}
	_ = unix.Close(fd)
	log.Info().Int("fd", fd).Str("client_id", c.id.String()).Msg("echosrv: client disconnected")
}

func (s *echoServer) handleClient(fd int, _ reactor.Events, actual reactor.Events) {
	if actual&(reactor.EventHangup|reactor.EventError|reactor.EventInvalid) != 0 {
		s.removeClient(fd)
		return
	}
	if actual&reactor.EventRead == 0 {
		return
	}

	var buf [4096]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n > 0 {
			s.mu.Lock()
			if c, ok := s.clients[fd]; ok {
				c.rbytes += uint64(n)
			}
			s.mu.Unlock()
			s.echo(fd, buf[:n])
		}
		if n == 0 {
			s.removeClient(fd)
			return
		}
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				s.removeClient(fd)
			}
			return
		}
	}
}

func (s *echoServer) echo(fd int, data []byte) {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if n > 0 {
			data = data[n:]
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			log.Warn().Err(err).Int("fd", fd).Msg("echosrv: write failed")
			return
		}
	}
}

func (s *echoServer) reportClientStats(fd int, timerID int) {
	s.mu.Lock()
	c, ok := s.clients[fd]
	s.mu.Unlock()
	if !ok {
		return
	}
	log.Info().
		Int("fd", fd).
		Int("timer_id", timerID).
		Str("client_id", c.id.String()).
		Uint64("bytes_received", c.rbytes).
		Msg("echosrv: client stats")
}

func (s *echoServer) connectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
