package transportfake

import (
	"context"
	"sync"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/activity"
	errs "github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/errors"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/transport"
)

var (
	_ transport.Provider = (*FakeProvider)(nil)
	_ transport.Conn     = (*FakeConn)(nil)
)

// FakeProvider records every opened connection and can be scripted to fail.
type FakeProvider struct {
	lock sync.Mutex

	OpenErr   error
	OpenCalls int
	Conns     []*FakeConn
	LastToken string
	LastSet   transport.Settings
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{}
}

func (p *FakeProvider) Open(_ context.Context, token string, settings transport.Settings) (transport.Conn, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.OpenCalls++
	p.LastToken = token
	p.LastSet = settings
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}

	conn := newFakeConn(settings)
	p.Conns = append(p.Conns, conn)
	return conn, nil
}

// Last returns the most recently opened connection.
func (p *FakeProvider) Last() *FakeConn {
	p.lock.Lock()
	defer p.lock.Unlock()
	if len(p.Conns) == 0 {
		return nil
	}
	return p.Conns[len(p.Conns)-1]
}

type FakeConn struct {
	lock sync.Mutex

	SendErr error
	Sent    []activity.Activity

	settings transport.Settings
	inbound  chan activity.Activity
	ended    bool
}

func newFakeConn(settings transport.Settings) *FakeConn {
	return &FakeConn{
		settings: settings,
		inbound:  make(chan activity.Activity, 16),
	}
}

func (c *FakeConn) Send(_ context.Context, act activity.Activity) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.ended {
		return errs.ErrNotConnected
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Sent = append(c.Sent, act)
	return nil
}

func (c *FakeConn) Activities() <-chan activity.Activity {
	return c.inbound
}

func (c *FakeConn) End() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.ended {
		c.ended = true
		close(c.inbound)
	}
	return nil
}

// Deliver pushes an inbound activity to the connection's consumer.
func (c *FakeConn) Deliver(act activity.Activity) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.ended {
		return
	}
	c.inbound <- act
}

// AckWatermark simulates the server acknowledging a new cursor.
func (c *FakeConn) AckWatermark(watermark string) {
	if c.settings.OnWatermark != nil {
		c.settings.OnWatermark(watermark)
	}
}

// Ended reports whether End was called.
func (c *FakeConn) Ended() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.ended
}

// SentTexts returns the texts of all sent message activities.
func (c *FakeConn) SentTexts() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	texts := make([]string, 0, len(c.Sent))
	for _, act := range c.Sent {
		if act.Type == activity.TypeMessage {
			texts = append(texts, act.Text)
		}
	}
	return texts
}
