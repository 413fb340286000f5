package service

import (
    "context"
    "net"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    q "github.com/iliyamo/ticketmall/internal/queue"
)

// silentBroker accepts connections and never answers the AMQP handshake.
func silentBroker(t *testing.T) string {
    t.Helper()
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    done := make(chan struct{})
    go func() {
        var conns []net.Conn
        defer func() {
            for _, c := range conns {
                _ = c.Close()
            }
        }()
        for {
            c, err := ln.Accept()
            if err != nil {
                <-done
                return
            }
            conns = append(conns, c)
        }
    }()
    t.Cleanup(func() {
        _ = ln.Close()
        close(done)
    })
    return "amqp://guest:guest@" + ln.Addr().String() + "/"
}

func TestPublishFailsFastWhenBrokerHangs(t *testing.T) {
    p := NewPublisher(silentBroker(t), nil)
    t.Cleanup(func() { _ = p.Close() })

    start := time.Now()
    err := p.Publish(context.Background(), q.OrderEvent{Type: q.EventOrderPaid, OrderID: 1})
    require.Error(t, err)
    assert.Less(t, time.Since(start), 3*dialTimeout)
}

func TestPublishFailsWhenBrokerIsDown(t *testing.T) {
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    addr := ln.Addr().String()
    require.NoError(t, ln.Close())

    p := NewPublisher("amqp://guest:guest@"+addr+"/", nil)
    err = p.Publish(context.Background(), q.OrderEvent{Type: q.EventOrderPaid, OrderID: 1})
    require.Error(t, err)
    assert.Nil(t, p.conn)
}
