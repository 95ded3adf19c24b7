// Package redisstub implements a minimal in-process Redis server speaking
// enough RESP2 to back ledger tests with a real client: hash commands,
// HSCAN with MATCH, and MULTI/EXEC transactions. HELLO is rejected so
// clients negotiate down to RESP2.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string

	mu         sync.Mutex
	hashes     map[string]map[string]string
	failWrites int

	closed chan struct{}
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:   opts,
		hashes: make(map[string]map[string]string),
		closed: make(chan struct{}),
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

// Hash returns a copy of one stored hash, for test assertions.
func (s *Server) Hash(key string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out
}

// SetHashField seeds one hash field, for test setup.
func (s *Server) SetHashField(key, field, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
}

// FailNextWrites makes the next n write commands (HSET/HSETNX/HDEL/DEL,
// including inside EXEC) answer with an error, to simulate store failures.
func (s *Server) FailNextWrites(n int) {
	s.mu.Lock()
	s.failWrites = n
	s.mu.Unlock()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	var queued [][]string
	inMulti := false
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "HELLO":
			// RESP3 negotiation is not supported; clients fall back to RESP2.
			if err := writeError(writer, "ERR unknown command 'HELLO'"); err != nil {
				return
			}
		case "PING":
			if err := writeSimpleString(writer, "PONG"); err != nil {
				return
			}
		case "CLIENT", "SELECT":
			if err := writeSimpleString(writer, "OK"); err != nil {
				return
			}
		case "AUTH":
			pass := ""
			if len(args) == 2 {
				pass = args[1]
			} else if len(args) == 3 {
				pass = args[2]
			}
			if s.opts.Password == "" || pass == s.opts.Password {
				authenticated = true
				if err := writeSimpleString(writer, "OK"); err != nil {
					return
				}
			} else if err := writeError(writer, "WRONGPASS invalid username-password pair"); err != nil {
				return
			}
		case "MULTI":
			inMulti = true
			queued = queued[:0]
			if err := writeSimpleString(writer, "OK"); err != nil {
				return
			}
		case "DISCARD":
			inMulti = false
			queued = nil
			if err := writeSimpleString(writer, "OK"); err != nil {
				return
			}
		case "EXEC":
			if !inMulti {
				if err := writeError(writer, "ERR EXEC without MULTI"); err != nil {
					return
				}
				continue
			}
			inMulti = false
			replies := make([]interface{}, 0, len(queued))
			for _, q := range queued {
				replies = append(replies, s.apply(q))
			}
			queued = nil
			if err := writeReply(writer, replies); err != nil {
				return
			}
		default:
			if !authenticated {
				if err := writeError(writer, "NOAUTH Authentication required."); err != nil {
					return
				}
				continue
			}
			if inMulti {
				queued = append(queued, args)
				if err := writeSimpleString(writer, "QUEUED"); err != nil {
					return
				}
				continue
			}
			if err := writeReply(writer, s.apply(args)); err != nil {
				return
			}
		}
	}
}

// errReply marks a reply that serializes as a RESP error.
type errReply string

// simpleReply marks a reply that serializes as a simple status string.
type simpleReply string

// nilReply serializes as a nil bulk string.
type nilReply struct{}

// apply executes a single data command against the hash store and returns
// the reply value.
func (s *Server) apply(args []string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := strings.ToUpper(args[0])
	if s.failWrites > 0 && isWrite(cmd) {
		s.failWrites--
		return errReply("ERR stub: simulated write failure")
	}
	switch cmd {
	case "HSET":
		if len(args) < 4 || len(args)%2 != 0 {
			return errReply("ERR wrong number of arguments for 'hset'")
		}
		h := s.ensureHash(args[1])
		var added int64
		for i := 2; i+1 < len(args); i += 2 {
			if _, exists := h[args[i]]; !exists {
				added++
			}
			h[args[i]] = args[i+1]
		}
		return added
	case "HSETNX":
		if len(args) != 4 {
			return errReply("ERR wrong number of arguments for 'hsetnx'")
		}
		h := s.ensureHash(args[1])
		if _, exists := h[args[2]]; exists {
			return int64(0)
		}
		h[args[2]] = args[3]
		return int64(1)
	case "HGET":
		if len(args) != 3 {
			return errReply("ERR wrong number of arguments for 'hget'")
		}
		v, ok := s.hashes[args[1]][args[2]]
		if !ok {
			return nilReply{}
		}
		return v
	case "HDEL":
		if len(args) < 3 {
			return errReply("ERR wrong number of arguments for 'hdel'")
		}
		h := s.hashes[args[1]]
		var removed int64
		for _, field := range args[2:] {
			if _, ok := h[field]; ok {
				delete(h, field)
				removed++
			}
		}
		if len(h) == 0 {
			delete(s.hashes, args[1])
		}
		return removed
	case "HLEN":
		if len(args) != 2 {
			return errReply("ERR wrong number of arguments for 'hlen'")
		}
		return int64(len(s.hashes[args[1]]))
	case "HEXISTS":
		if len(args) != 3 {
			return errReply("ERR wrong number of arguments for 'hexists'")
		}
		if _, ok := s.hashes[args[1]][args[2]]; ok {
			return int64(1)
		}
		return int64(0)
	case "HKEYS":
		if len(args) != 2 {
			return errReply("ERR wrong number of arguments for 'hkeys'")
		}
		fields := make([]interface{}, 0, len(s.hashes[args[1]]))
		for f := range s.hashes[args[1]] {
			fields = append(fields, f)
		}
		return fields
	case "HGETALL":
		if len(args) != 2 {
			return errReply("ERR wrong number of arguments for 'hgetall'")
		}
		flat := make([]interface{}, 0, len(s.hashes[args[1]])*2)
		for f, v := range s.hashes[args[1]] {
			flat = append(flat, f, v)
		}
		return flat
	case "HSCAN":
		return s.hscan(args)
	case "DEL":
		if len(args) < 2 {
			return errReply("ERR wrong number of arguments for 'del'")
		}
		var removed int64
		for _, key := range args[1:] {
			if _, ok := s.hashes[key]; ok {
				delete(s.hashes, key)
				removed++
			}
		}
		return removed
	case "FLUSHALL":
		s.hashes = make(map[string]map[string]string)
		return simpleReply("OK")
	default:
		return errReply("ERR unsupported command '" + cmd + "'")
	}
}

// hscan returns the whole matching set in a single page (cursor 0).
func (s *Server) hscan(args []string) interface{} {
	if len(args) < 3 {
		return errReply("ERR wrong number of arguments for 'hscan'")
	}
	match := ""
	for i := 3; i+1 < len(args); i += 2 {
		switch strings.ToUpper(args[i]) {
		case "MATCH":
			match = args[i+1]
		case "COUNT":
			// Single-page stub; the hint is accepted and ignored.
		default:
			return errReply("ERR syntax error")
		}
	}
	flat := make([]interface{}, 0)
	for f, v := range s.hashes[args[1]] {
		if match == "" || globMatch(match, f) {
			flat = append(flat, f, v)
		}
	}
	return []interface{}{"0", flat}
}

func (s *Server) ensureHash(key string) map[string]string {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	return h
}

func isWrite(cmd string) bool {
	switch cmd {
	case "HSET", "HSETNX", "HDEL", "DEL", "FLUSHALL":
		return true
	}
	return false
}

// globMatch supports the '*' and '?' wildcards of redis MATCH patterns.
func globMatch(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(s); i++ {
			if globMatch(pattern[1:], s[i:]) {
				return true
			}
		}
		return false
	case '?':
		return s != "" && globMatch(pattern[1:], s[1:])
	default:
		return s != "" && s[0] == pattern[0] && globMatch(pattern[1:], s[1:])
	}
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeReply(w *bufio.Writer, value interface{}) error {
	if err := writeReplyRaw(w, value); err != nil {
		return err
	}
	return w.Flush()
}

func writeReplyRaw(w *bufio.Writer, value interface{}) error {
	switch v := value.(type) {
	case errReply:
		_, err := fmt.Fprintf(w, "-%s\r\n", string(v))
		return err
	case simpleReply:
		_, err := fmt.Fprintf(w, "+%s\r\n", string(v))
		return err
	case nilReply:
		_, err := w.WriteString("$-1\r\n")
		return err
	case string:
		_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
		return err
	case int64:
		_, err := fmt.Fprintf(w, ":%d\r\n", v)
		return err
	case []interface{}:
		if _, err := fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err := writeReplyRaw(w, item); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported reply type %T", value)
	}
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
