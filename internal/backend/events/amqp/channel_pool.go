package amqp

import (
	"crypto/tls"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

var errClosed = errors.New("pool is closed")

// dialFunc opens a new AMQP connection.
type dialFunc func() (*amqp.Connection, error)

func newDialFunc(url string, tlsConfig *tls.Config) dialFunc {
	return func() (*amqp.Connection, error) {
		if tlsConfig != nil {
			return amqp.DialTLS(url, tlsConfig)
		}
		return amqp.Dial(url)
	}
}

// channelPool shares a single AMQP connection and keeps at most size idle
// channels for re-use. When the connection is lost, the next acquire
// re-dials.
type channelPool struct {
	mu sync.Mutex

	dial       dialFunc
	size       int
	conn       *amqp.Connection
	connClosed chan *amqp.Error
	idle       []*amqp.Channel
	closed     bool
}

func newChannelPool(size int, dial dialFunc) (*channelPool, error) {
	p := channelPool{
		dial: dial,
		size: size,
	}

	if err := p.connect(); err != nil {
		return nil, err
	}

	for i := 0; i < size; i++ {
		ch, err := p.conn.Channel()
		if err != nil {
			p.conn.Close()
			return nil, errors.Wrap(err, "create channel error")
		}
		p.idle = append(p.idle, ch)
	}

	return &p, nil
}

// connect must be called with the lock held.
func (p *channelPool) connect() error {
	conn, err := p.dial()
	if err != nil {
		return errors.Wrap(err, "dial amqp url error")
	}

	p.conn = conn
	p.connClosed = conn.NotifyClose(make(chan *amqp.Error, 1))
	p.idle = nil

	return nil
}

// connectionLost must be called with the lock held.
func (p *channelPool) connectionLost() bool {
	select {
	case err := <-p.connClosed:
		log.WithError(err).Warning("events/amqp: connection lost")
		return true
	default:
		return false
	}
}

// acquire returns an idle channel or opens a new one.
func (p *channelPool) acquire() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errClosed
	}

	if p.connectionLost() {
		if err := p.connect(); err != nil {
			return nil, err
		}
	}

	if n := len(p.idle); n > 0 {
		ch := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return ch, nil
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "create channel error")
	}
	return ch, nil
}

// release hands the channel back to the pool. A broken channel, or a channel
// exceeding the pool size, is closed instead.
func (p *channelPool) release(ch *amqp.Channel, broken bool) {
	if ch == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if broken || p.closed || len(p.idle) >= p.size {
		ch.Close()
		return
	}

	p.idle = append(p.idle, ch)
}

// close closes the idle channels and the connection. Any later acquire
// returns errClosed.
func (p *channelPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	for _, ch := range p.idle {
		ch.Close()
	}
	p.idle = nil

	if err := p.conn.Close(); err != nil && err != amqp.ErrClosed {
		return errors.Wrap(err, "close connection error")
	}
	return nil
}
