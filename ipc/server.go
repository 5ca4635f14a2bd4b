// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/elastic/hpc-metric-proxy/stats"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultMaxCommandSize = 1 << 20

// Server accepts client connections on a unix socket. Each connection is
// served by its own goroutine and holds at most one job reference, which
// is released when the client goes away.
type Server struct {
	logger         *zap.SugaredLogger
	registry       Registry
	path           string
	maxCommandSize int

	listener net.Listener
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[string]net.Conn
}

// New binds the unix socket at path, removing a stale socket first.
func New(path string, registry Registry, opts ...Option) (*Server, error) {
	s := Server{
		registry:       registry,
		path:           path,
		maxCommandSize: defaultMaxCommandSize,
		conns:          make(map[string]net.Conn),
	}

	for _, opt := range opts {
		opt(&s)
	}

	if s.registry == nil {
		return nil, errors.New("job registry cannot be empty")
	}

	if s.logger == nil {
		return nil, errors.New("logger cannot be empty")
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	s.listener = ln

	return &s, nil
}

func (s *Server) Addr() string {
	return s.path
}

// Serve accepts connections until ctx is done. Open connections are then
// closed and Serve returns once every client job reference was released.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Infof("Listening for clients on %s", s.path)

	stop := context.AfterFunc(ctx, func() {
		s.listener.Close()
		s.closeConns()
	})
	defer stop()

	defer s.wg.Wait()
	defer os.Remove(s.path)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Errorf("Failed to accept client: %v", err)
			continue
		}

		id := uuid.NewString()
		if !s.track(id, conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(id)
			s.serveConn(id, conn)
		}()
	}
}

// Close stops accepting clients. Serve still closes open connections
// when its context ends.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) track(id string, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[id] = conn
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *Server) serveConn(id string, conn net.Conn) {
	defer conn.Close()
	stats.IPCConnectionOpened()
	defer stats.IPCConnectionClosed()

	log := s.logger.With("connection.id", id)
	log.Debug("Client connected")

	sess := &session{registry: s.registry}
	defer func() {
		if err := sess.release(); err != nil {
			log.Errorf("Failed to release job: %v", err)
		}
		log.Debug("Client left")
	}()

	r := bufio.NewReader(conn)
	for {
		data, err := readCommand(r, s.maxCommandSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Errorf("Closing client: %v", err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}

		cmd, err := parseCommand(data)
		if err != nil {
			stats.RecordIPCCommand("unknown", err)
			log.Warnf("Dropping command: %v", err)
			continue
		}
		err = sess.handle(cmd)
		stats.RecordIPCCommand(cmd.kind(), err)
		if err != nil {
			log.Warnf("Failed to apply %s command: %v", cmd.kind(), err)
		}
	}
}

var errCommandTooLarge = errors.New("command too large")

// readCommand returns the bytes up to the next NUL byte, without it. A
// trailing command without terminator is dropped.
func readCommand(r *bufio.Reader, limit int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice(0)
		buf = append(buf, chunk...)
		if len(buf) > limit+1 {
			return nil, fmt.Errorf("%w: more than %d bytes", errCommandTooLarge, limit)
		}
		switch {
		case err == nil:
			return buf[:len(buf)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}
