package realtime

import (
	"sync"
	"testing"

	"github.com/koopa0/system-design/tictactoe/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(c *conn) []string {
	var out []string
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

func TestConn_DropsOldestWhenFull(t *testing.T) {
	hub := NewHub(HubOptions{SendBuffer: 3, Logger: logger.Discard()})
	c := newConn(hub, nil, channelRoom, "alice")

	for _, msg := range []string{"1", "2", "3"} {
		assert.False(t, c.enqueue([]byte(msg)))
	}
	assert.True(t, c.enqueue([]byte("4")))
	assert.True(t, c.enqueue([]byte("5")))

	assert.Equal(t, []string{"3", "4", "5"}, drain(c))
}

func TestConn_EnqueueAfterClose(t *testing.T) {
	hub := NewHub(HubOptions{SendBuffer: 2, Logger: logger.Discard()})
	c := newConn(hub, nil, channelRoom, "alice")

	c.enqueue([]byte("1"))
	c.close()
	c.close()

	assert.False(t, c.enqueue([]byte("2")))
	assert.Equal(t, []string{"1"}, drain(c))
}

// TestConn_ConcurrentProducersNeverBlock 多個推送端同時寫入滿的緩衝也不會阻塞
func TestConn_ConcurrentProducersNeverBlock(t *testing.T) {
	hub := NewHub(HubOptions{SendBuffer: 4, Logger: logger.Discard()})
	c := newConn(hub, nil, channelRoom, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				c.enqueue([]byte("x"))
			}
		}()
	}
	wg.Wait()

	require.Len(t, c.send, 4)
}

func TestHub_UnsubscribeNotifiesRoomLeave(t *testing.T) {
	hub := NewHub(HubOptions{Logger: logger.Discard()})

	var mu sync.Mutex
	var left []string
	hub.onLeave = func(roomID, userID string) {
		mu.Lock()
		defer mu.Unlock()
		left = append(left, roomID+"/"+userID)
	}

	tab1 := newConn(hub, nil, channelRoom, "alice")
	tab1.roomID = "room_1"
	tab2 := newConn(hub, nil, channelRoom, "alice")
	tab2.roomID = "room_1"
	queue := newConn(hub, nil, channelQueue, "alice")

	hub.subscribeRoom(tab1)
	hub.subscribeRoom(tab2)
	hub.subscribeUser(queue)

	rooms, queued := hub.Connections()
	assert.Equal(t, 2, rooms)
	assert.Equal(t, 1, queued)

	hub.unsubscribe(tab1)
	hub.unsubscribe(tab1)
	hub.unsubscribe(queue)
	assert.Equal(t, []string{"room_1/alice"}, left)

	hub.unsubscribe(tab2)
	assert.Equal(t, []string{"room_1/alice", "room_1/alice"}, left)

	rooms, queued = hub.Connections()
	assert.Zero(t, rooms)
	assert.Zero(t, queued)
}
