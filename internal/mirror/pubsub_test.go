package mirror

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPubsub_DeliversAndWaitsForAck(t *testing.T) {
	p := newPubsub(50 * time.Millisecond)
	h, err := p.Subscribe("a")
	require.NoError(t, err)
	msgs, _ := p.Messages(h)

	done := make(chan struct{})
	go func() {
		p.publish(Message{Kind: MsgTasks})
		close(done)
	}()

	msg := <-msgs
	assert.Equal(t, MsgTasks, msg.Kind)
	require.NoError(t, p.Next(h))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish did not return after ack")
	}
}

func TestPubsub_SlowSubscriberRemovedOnAckTimeout(t *testing.T) {
	p := newPubsub(10 * time.Millisecond)
	h, err := p.Subscribe("a")
	require.NoError(t, err)
	msgs, _ := p.Messages(h)

	p.publish(Message{Kind: MsgTasks}) // no Next() call, ack timeout should elapse
	<-msgs

	assert.Equal(t, 0, p.count())
}
