package crawlstate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRedisKey     = "bundlemirror:crawls"
	defaultRedisTimeout = 5 * time.Second
)

// RedisConfig holds connection details for the crawl-state hash.
type RedisConfig struct {
	Host     string
	Port     string
	DB       int
	Password string
	Key      string
	Timeout  time.Duration
}

// RedisStore keeps one JSON snapshot per build hash inside a Redis hash,
// speaking RESP directly over a short-lived connection per call.
type RedisStore struct {
	addr     string
	password string
	db       int
	key      string
	timeout  time.Duration
}

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("redis host is required")
	}
	port := cfg.Port
	if port == "" {
		port = "6379"
	}
	key := cfg.Key
	if key == "" {
		key = defaultRedisKey
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	return &RedisStore{
		addr:     net.JoinHostPort(cfg.Host, port),
		password: cfg.Password,
		db:       cfg.DB,
		key:      key,
		timeout:  timeout,
	}, nil
}

func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	if snap.BuildHash == "" {
		return errors.New("snapshot missing build hash")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.do(ctx, "HSET", s.key, snap.BuildHash, string(data))
	return err
}

func (s *RedisStore) Remove(ctx context.Context, buildHash string) error {
	_, err := s.do(ctx, "HDEL", s.key, buildHash)
	return err
}

func (s *RedisStore) Get(ctx context.Context, buildHash string) (Snapshot, bool, error) {
	reply, err := s.do(ctx, "HGET", s.key, buildHash)
	if err != nil {
		return Snapshot{}, false, err
	}
	switch v := reply.(type) {
	case nil:
		return Snapshot{}, false, nil
	case string:
		var snap Snapshot
		if err := json.Unmarshal([]byte(v), &snap); err != nil {
			return Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", buildHash, err)
		}
		return snap, true, nil
	default:
		return Snapshot{}, false, fmt.Errorf("unexpected HGET reply %T", v)
	}
}

// List returns every stored snapshot, newest first. Undecodable entries are skipped.
func (s *RedisStore) List(ctx context.Context) ([]Snapshot, error) {
	reply, err := s.do(ctx, "HGETALL", s.key)
	if err != nil {
		return nil, err
	}
	arr, _ := reply.([]any)
	snaps := make([]Snapshot, 0, len(arr)/2)
	for i := 0; i+1 < len(arr); i += 2 {
		value, ok := arr[i+1].(string)
		if !ok {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(value), &snap); err != nil {
			continue
		}
		snaps = append(snaps, snap)
	}
	SortByStart(snaps)
	return snaps, nil
}

func (s *RedisStore) do(ctx context.Context, cmd string, args ...string) (any, error) {
	conn, err := dialRedis(ctx, s.addr, s.timeout)
	if err != nil {
		return nil, fmt.Errorf("redis dial %s: %w", s.addr, err)
	}
	defer conn.Close()
	if err := conn.initialize(s.password, s.db); err != nil {
		return nil, err
	}
	if err := conn.send(cmd, args...); err != nil {
		return nil, err
	}
	return conn.read()
}

type redisConn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

func dialRedis(ctx context.Context, addr string, timeout time.Duration) (*redisConn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.SetDeadline(deadline)
	return &redisConn{
		conn:   c,
		reader: bufio.NewReader(c),
		writer: bufio.NewWriter(c),
	}, nil
}

func (c *redisConn) initialize(password string, db int) error {
	if password != "" {
		if err := c.send("AUTH", password); err != nil {
			return err
		}
		if _, err := c.read(); err != nil {
			return fmt.Errorf("redis auth: %w", err)
		}
	}
	if db != 0 {
		if err := c.send("SELECT", strconv.Itoa(db)); err != nil {
			return err
		}
		if _, err := c.read(); err != nil {
			return fmt.Errorf("redis select %d: %w", db, err)
		}
	}
	return nil
}

func (c *redisConn) send(cmd string, args ...string) error {
	if _, err := fmt.Fprintf(c.writer, "*%d\r\n", len(args)+1); err != nil {
		return err
	}
	if err := writeBulk(c.writer, strings.ToUpper(cmd)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := writeBulk(c.writer, arg); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

func writeBulk(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

func (c *redisConn) read() (any, error) {
	prefix, err := c.reader.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := readLine(c.reader)
	if err != nil {
		return nil, err
	}
	switch prefix {
	case '+':
		return line, nil
	case '-':
		return nil, errors.New(line)
	case ':':
		return strconv.ParseInt(line, 10, 64)
	case '$':
		length, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if length < 0 {
			return nil, nil
		}
		buf := make([]byte, length+2)
		if _, err := io.ReadFull(c.reader, buf); err != nil {
			return nil, err
		}
		return string(buf[:length]), nil
	case '*':
		count, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if count < 0 {
			return nil, nil
		}
		items := make([]any, 0, count)
		for i := 0; i < count; i++ {
			item, err := c.read()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("unexpected redis prefix %q", prefix)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func (c *redisConn) Close() error {
	return c.conn.Close()
}
