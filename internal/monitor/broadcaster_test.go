package monitor

import (
	"testing"
	"time"

	"github.com/mountainstorm/flow/internal/tracelog"
)

func TestBroadcasterDeliversToSubscriber(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(BlockEvent(tracelog.Block{Entry: 0x1000, Branch: 0x1010}))

	select {
	case evt := <-sub.Channel:
		if evt.Type != EventBlock || evt.Block == nil || evt.Block.Entry != 0x1000 {
			t.Errorf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	select {
	case _, ok := <-sub.Channel:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
