// Package smtppool speaks just enough SMTP to ask a mail exchanger whether
// it would accept a recipient. Connections are pooled per sender identity
// and MX host and reused with RSET; DATA is never sent.
package smtppool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/optimode/verifyengine/types"
)

// ErrUnsafeArgument is returned, before any connection is made, when an
// argument would break the command line it is written into.
var ErrUnsafeArgument = errors.New("smtppool: argument contains CR, LF or NUL")

// DialFunc opens a TCP connection to address on behalf of id.
type DialFunc func(ctx context.Context, id types.Identity, address string, timeout time.Duration) (net.Conn, error)

// Config configures the pool.
type Config struct {
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration // bound on every command reply
	Port            string
	MaxConnsPerHost int           // max idle connections per key (default: 3)
	MaxUsesPerConn  int           // RCPT checks per connection before reconnect (default: 50)
	MaxConnAge      time.Duration // default: 2m
	// BindSourceIP dials from the engine server's IP.
	BindSourceIP bool
	// Dial is injectable for testing.
	Dial DialFunc
}

// Reply is the final reply line of an SMTP response.
type Reply struct {
	Code    int
	Message string
}

// ProbeError is a failure before a RCPT reply was obtained. It always
// means "try again later or elsewhere", never "mailbox does not exist".
type ProbeError struct {
	Host  string
	Stage string // connect, banner, ehlo, mail, rcpt
	Code  int    // reply code when the server answered with a rejection
	Err   error
}

func (e *ProbeError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s %s: %d %v", e.Host, e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Host, e.Stage, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Pool manages SMTP connections.
type Pool struct {
	cfg    Config
	mu     sync.Mutex
	idle   map[string][]*conn
	closed bool
}

type conn struct {
	netConn   net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	createdAt time.Time
	uses      int
}

// New creates a pool.
func New(cfg Config) *Pool {
	if cfg.Dial == nil {
		cfg.Dial = dialer(cfg.BindSourceIP)
	}
	if cfg.Port == "" {
		cfg.Port = "25"
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 3
	}
	if cfg.MaxUsesPerConn <= 0 {
		cfg.MaxUsesPerConn = 50
	}
	if cfg.MaxConnAge <= 0 {
		cfg.MaxConnAge = 2 * time.Minute
	}
	return &Pool{cfg: cfg, idle: make(map[string][]*conn)}
}

func dialer(bind bool) DialFunc {
	return func(ctx context.Context, id types.Identity, address string, timeout time.Duration) (net.Conn, error) {
		d := net.Dialer{Timeout: timeout}
		if bind && id.SourceIP != "" {
			d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(id.SourceIP)}
		}
		return d.DialContext(ctx, "tcp", address)
	}
}

// Timeouts overrides the connect and read timeouts for one check.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
}

// CheckRCPT asks mxHost whether it accepts rcpt from id.
// New connection: banner, EHLO (HELO fallback), MAIL FROM, RCPT TO.
// Reused connection: RSET, MAIL FROM, RCPT TO.
// A returned Reply is the RCPT TO reply; any earlier failure is a
// *ProbeError.
func (p *Pool) CheckRCPT(ctx context.Context, id types.Identity, mxHost, rcpt string, t Timeouts) (Reply, error) {
	if t.Connect <= 0 {
		t.Connect = p.cfg.ConnectTimeout
	}
	if t.Read <= 0 {
		t.Read = p.cfg.ReadTimeout
	}
	if unsafeArg(rcpt) || unsafeArg(id.MailFrom) || unsafeArg(id.HeloName) {
		return Reply{}, &ProbeError{Host: mxHost, Stage: "rcpt", Err: ErrUnsafeArgument}
	}
	key := poolKey(id, mxHost)

	c, isNew, err := p.get(ctx, key, id, mxHost, t.Connect)
	if err != nil {
		return Reply{}, err
	}

	stop := context.AfterFunc(ctx, func() { _ = c.netConn.SetDeadline(time.Now()) })
	reply, err := p.converse(c, id, mxHost, rcpt, isNew, t.Read)
	stopped := stop()
	if err != nil || !stopped {
		_ = c.netConn.Close()
		if err == nil {
			err = &ProbeError{Host: mxHost, Stage: "rcpt", Err: ctx.Err()}
		}
		return Reply{}, err
	}

	p.put(key, c)
	return reply, nil
}

// Close sends QUIT on and closes every idle connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for key, conns := range p.idle {
		for _, c := range conns {
			quit(c)
		}
		delete(p.idle, key)
	}
	return nil
}

// Idle returns the number of idle connections (for diagnostics).
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, conns := range p.idle {
		n += len(conns)
	}
	return n
}

func poolKey(id types.Identity, mxHost string) string {
	return id.SourceIP + "|" + id.HeloName + "|" + mxHost
}

func (p *Pool) get(ctx context.Context, key string, id types.Identity, mxHost string, connectTimeout time.Duration) (*conn, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, errors.New("smtppool: pool is closed")
	}

	conns := p.idle[key]
	for len(conns) > 0 {
		// LIFO for locality
		c := conns[len(conns)-1]
		conns = conns[:len(conns)-1]
		if c.uses >= p.cfg.MaxUsesPerConn || time.Since(c.createdAt) > p.cfg.MaxConnAge {
			quit(c)
			continue
		}
		p.idle[key] = conns
		p.mu.Unlock()
		return c, false, nil
	}
	delete(p.idle, key)
	p.mu.Unlock()

	address := net.JoinHostPort(mxHost, p.cfg.Port)
	nc, err := p.cfg.Dial(ctx, id, address, connectTimeout)
	if err != nil {
		if isTimeout(err) {
			err = fmt.Errorf("%w: %w", types.ErrConnectTimeout, err)
		}
		return nil, false, &ProbeError{Host: mxHost, Stage: "connect", Err: err}
	}
	return &conn{
		netConn:   nc,
		reader:    bufio.NewReader(nc),
		writer:    bufio.NewWriter(nc),
		createdAt: time.Now(),
	}, true, nil
}

func (p *Pool) put(key string, c *conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.idle[key]) >= p.cfg.MaxConnsPerHost || c.uses >= p.cfg.MaxUsesPerConn {
		quit(c)
		return
	}
	p.idle[key] = append(p.idle[key], c)
}

func (p *Pool) converse(c *conn, id types.Identity, mxHost, rcpt string, isNew bool, readTimeout time.Duration) (Reply, error) {
	fail := func(stage string, code int, err error) (Reply, error) {
		if isTimeout(err) {
			err = fmt.Errorf("%w: %w", types.ErrReadTimeout, err)
		}
		return Reply{}, &ProbeError{Host: mxHost, Stage: stage, Code: code, Err: err}
	}

	if isNew {
		r, err := c.read(readTimeout)
		if err != nil {
			return fail("banner", 0, err)
		}
		if r.Code >= 400 {
			return fail("banner", r.Code, errors.New(r.Message))
		}

		r, err = c.command(readTimeout, "EHLO "+id.HeloName)
		if err != nil {
			return fail("ehlo", 0, err)
		}
		if r.Code >= 500 {
			r, err = c.command(readTimeout, "HELO "+id.HeloName)
			if err != nil {
				return fail("ehlo", 0, err)
			}
		}
		if r.Code >= 400 {
			return fail("ehlo", r.Code, errors.New(r.Message))
		}
	} else {
		r, err := c.command(readTimeout, "RSET")
		if err != nil {
			return fail("rset", 0, err)
		}
		if r.Code >= 400 {
			return fail("rset", r.Code, errors.New(r.Message))
		}
	}

	r, err := c.command(readTimeout, "MAIL FROM:<"+id.MailFrom+">")
	if err != nil {
		return fail("mail", 0, err)
	}
	if r.Code >= 400 {
		return fail("mail", r.Code, errors.New(r.Message))
	}

	r, err = c.command(readTimeout, "RCPT TO:<"+rcpt+">")
	if err != nil {
		return fail("rcpt", 0, err)
	}
	c.uses++
	return r, nil
}

func (c *conn) command(readTimeout time.Duration, line string) (Reply, error) {
	if err := c.netConn.SetDeadline(time.Now().Add(readTimeout)); err != nil {
		return Reply{}, fmt.Errorf("set deadline: %w", err)
	}
	if _, err := c.writer.WriteString(line + "\r\n"); err != nil {
		return Reply{}, err
	}
	if err := c.writer.Flush(); err != nil {
		return Reply{}, err
	}
	return readReply(c.reader)
}

func (c *conn) read(readTimeout time.Duration) (Reply, error) {
	if err := c.netConn.SetDeadline(time.Now().Add(readTimeout)); err != nil {
		return Reply{}, fmt.Errorf("set deadline: %w", err)
	}
	return readReply(c.reader)
}

// quit sends QUIT best-effort and closes the connection.
func quit(c *conn) {
	_ = c.netConn.SetDeadline(time.Now().Add(2 * time.Second))
	_, _ = c.writer.WriteString("QUIT\r\n")
	_ = c.writer.Flush()
	_ = c.netConn.Close()
}

// readReply reads a (possibly multi-line) SMTP reply.
func readReply(r *bufio.Reader) (Reply, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return Reply{}, fmt.Errorf("read SMTP reply: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 3 {
			return Reply{}, fmt.Errorf("SMTP reply line too short: %q", line)
		}
		lines = append(lines, line)
		if len(line) < 4 || line[3] != '-' {
			break
		}
	}

	last := lines[len(lines)-1]
	var code int
	if _, err := fmt.Sscanf(last[:3], "%d", &code); err != nil || code < 100 || code > 599 {
		return Reply{}, fmt.Errorf("invalid SMTP reply code %q", last[:3])
	}
	return Reply{Code: code, Message: strings.Join(lines, " | ")}, nil
}

// unsafeArg reports whether s would split an SMTP command line.
func unsafeArg(s string) bool {
	return strings.ContainsAny(s, "\r\n\x00")
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, types.ErrConnectTimeout) ||
		(errors.As(err, &ne) && ne.Timeout())
}
