// Package outbox keeps telemetry produced while offline on disk until it is sent.
package outbox

import (
	"time"

	proto "github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iotc-agent/log2"
	"github.com/temoto/spq"
)

// denote value type in persistent queue bytes form
const recordTelemetry byte = 1

// Pump sends at most this many records per call.
const pumpBatch = 16

type SendFunc func(data []byte, at time.Time) error

type item struct {
	rec  Record
	done chan bool
}

// Outbox worker goroutine peeks the queue, Pump on the event loop goroutine sends.
type Outbox struct {
	alive *alive.Alive
	log   *log2.Log
	q     *spq.Queue
	items chan item
}

func Open(log *log2.Log, path string) (*Outbox, error) {
	if path == "" {
		return nil, errors.NotValidf("outbox empty path")
	}
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "outbox open path=%s", path)
	}
	self := &Outbox{
		alive: alive.NewAlive(),
		log:   log,
		q:     q,
		items: make(chan item),
	}
	self.alive.Add(1)
	go self.worker()
	return self, nil
}

func (self *Outbox) Close() {
	self.alive.Stop()
	self.q.Close()
	self.alive.Wait()
}

func (self *Outbox) Push(data []byte, at time.Time) error {
	rec := &Record{Data: data, CreatedUnixNano: at.UnixNano()}
	buf := proto.NewBuffer(make([]byte, 0, len(data)+16))
	if err := buf.EncodeVarint(uint64(recordTelemetry)); err != nil {
		return errors.Annotate(err, "outbox encode")
	}
	if err := buf.Marshal(rec); err != nil {
		return errors.Annotate(err, "outbox encode")
	}
	return errors.Annotate(self.q.Push(buf.Bytes()), "outbox push")
}

// Pump sends ready records without blocking, stops at first send error.
// Returns number of records sent.
func (self *Outbox) Pump(send SendFunc) int {
	n := 0
	for n < pumpBatch {
		select {
		case it := <-self.items:
			err := send(it.rec.Data, time.Unix(0, it.rec.CreatedUnixNano))
			it.done <- err == nil
			if err != nil {
				self.log.Debugf("outbox send err=%v", err)
				return n
			}
			n++
		default:
			return n
		}
	}
	return n
}

func (self *Outbox) worker() {
	defer self.alive.Done()
	for {
		box, err := self.q.Peek()
		switch err {
		case nil:
		case spq.ErrClosed:
			if self.alive.IsRunning() {
				self.log.Errorf("CRITICAL outbox spq closed unexpectedly")
			}
			return
		default:
			self.log.Errorf("CRITICAL outbox spq err=%v", err)
			return
		}

		b := box.Bytes()
		rec, err := decode(b)
		if err != nil {
			self.log.Errorf("outbox drop b=%x err=%v", b, err)
			if err = self.q.Delete(box); err != nil {
				self.log.Errorf("outbox Delete err=%v", err)
			}
			continue
		}

		it := item{rec: rec, done: make(chan bool, 1)}
		select {
		case self.items <- it:
		case <-self.alive.StopChan():
			return
		}
		var sent bool
		select {
		case sent = <-it.done:
		case <-self.alive.StopChan():
			return
		}
		if sent {
			if err = self.q.Delete(box); err != nil {
				self.log.Errorf("outbox Delete err=%v", err)
			}
		}
	}
}

func decode(b []byte) (Record, error) {
	var rec Record
	if len(b) == 0 {
		return rec, errors.NotValidf("record empty")
	}
	if b[0] != recordTelemetry {
		return rec, errors.NotValidf("record kind=%d", b[0])
	}
	if err := proto.Unmarshal(b[1:], &rec); err != nil {
		return rec, errors.Annotate(err, "record")
	}
	return rec, nil
}
