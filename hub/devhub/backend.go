package devhub

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iotc-agent/helpers"
	"github.com/temoto/iotc-agent/log2"
)

// Server side device connection.
// Relatively thin transport.Conn wrapper.
type backend struct {
	alive      *alive.Alive
	acks       *future.Store
	ackTimeout time.Duration
	conn       transport.Conn
	connmu     sync.RWMutex
	err        helpers.AtomicError
	id         string
	scopeID    string
	log        *log2.Log
}

func newBackend(conn transport.Conn, log *log2.Log, pktConnect *packet.Connect, scopeID string, ackTimeout time.Duration) *backend {
	return &backend{
		alive:      alive.NewAlive(),
		acks:       future.NewStore(),
		ackTimeout: ackTimeout,
		conn:       conn,
		id:         pktConnect.ClientID,
		scopeID:    scopeID,
		log:        log,
	}
}

func (b *backend) expectAck(id packet.ID) *future.Future {
	f := future.New()
	if !b.alive.Add(1) {
		f.Cancel(ErrClosing)
		return f
	}
	go func() {
		defer b.alive.Done()
		if err := f.Wait(b.ackTimeout); err == future.ErrTimeout {
			f.Cancel(err)
		}
		b.acks.Delete(id)
	}()

	if ex := b.acks.Get(id); ex != nil {
		err := errors.Errorf("CRITICAL expectAck overwriting id=%d", id)
		b.log.Error(err)
		ex.Cancel(err)
		f.Cancel(err)
		return f
	}
	b.acks.Put(id, f)
	return f
}

// Publish waits for PUBACK when msg.QOS=1.
func (b *backend) Publish(ctx context.Context, id packet.ID, msg *packet.Message) error {
	if !b.alive.Add(1) {
		return ErrClosing
	}
	defer b.alive.Done()

	pub := packet.NewPublish()
	pub.ID = id
	pub.Message = *msg
	switch msg.QOS {
	case packet.QOSAtMostOnce:
		pub.ID = 0
		return b.Send(pub)

	case packet.QOSAtLeastOnce:
		if pub.ID == 0 {
			return errors.Errorf("backend.Publish QOSAtLeastOnce requires non-zero packet.ID message=%s", MessageString(msg))
		}
		f := b.expectAck(pub.ID)
		if err := b.Send(pub); err != nil {
			f.Cancel(err)
		}
		err := f.Wait(b.ackTimeout)
		if err == nil {
			return nil
		} else if err == future.ErrCanceled {
			if err, _ = f.Result().(error); err == nil {
				err = errors.Errorf("code error ack future canceled with nil")
			}
		}
		return errors.Annotatef(err, "device=%s expect puback id=%d", b.id, pub.ID)

	default:
		return errors.NotSupportedf("qos=%d", msg.QOS)
	}
}

func (b *backend) Receive() (packet.Generic, error) {
	conn := b.getConn()
	if conn == nil {
		return nil, ErrClosing
	}
	pkt, err := conn.Receive()
	b.log.Debugf("devhub recv addr=%s device=%s pkt=%s err=%v", addrString(conn.RemoteAddr()), b.id, PacketString(pkt), err)
	switch err {
	case nil:
		return pkt, nil

	case io.EOF:
		_ = b.die(err)
		return nil, err

	default:
		if !b.alive.IsRunning() && isClosedConn(err) {
			return nil, ErrClosing
		}
		_ = b.die(err)
		return nil, err
	}
}

func (b *backend) Send(pkt packet.Generic) error {
	conn := b.getConn()
	if conn == nil {
		return ErrClosing
	}
	b.log.Debugf("devhub send device=%s pkt=%s", b.id, PacketString(pkt))
	if err := conn.Send(pkt, false); err != nil {
		if !b.alive.IsRunning() && isClosedConn(err) {
			return ErrClosing
		}
		return b.die(errors.Annotatef(err, "device=%s", b.id))
	}
	return nil
}

func (b *backend) FulfillAck(id packet.ID) error {
	f := b.acks.Get(id)
	if f == nil {
		return fmt.Errorf("unexpected ack for packet id=%d", id)
	}
	if !f.Complete(nil) {
		return future.ErrCanceled
	}
	return nil
}

func (b *backend) RemoteAddr() net.Addr {
	if conn := b.getConn(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

// die closes connection once, returns first error.
func (b *backend) die(e error) error {
	err, found := b.err.StoreOnce(e)
	if found {
		return err
	}
	b.log.Debugf("devhub die device=%s e=%v", b.id, e)
	b.alive.Stop()
	helpers.WithLock(&b.connmu, func() {
		if b.conn != nil {
			_ = b.conn.Close()
			b.conn = nil
		}
	})
	return e
}

func (b *backend) getConn() transport.Conn {
	b.connmu.RLock()
	c := b.conn
	b.connmu.RUnlock()
	return c
}
