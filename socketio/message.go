package socketio

import (
	"context"
	"fmt"

	"github.com/ansmatterer/siosession"
)

// handleMessage processes one engine packet read from c.
func (t *Transport) handleMessage(c *conn, message []byte) {
	packetType, payload, err := decodeEnginePacket(message)
	if err != nil {
		t.log.Debug().Err(err).Msg("engine packet dropped")
		return
	}
	switch packetType {
	case _engineMessagePacket:
		if len(payload) == 0 {
			t.log.Debug().Msg("empty message")
			return
		}
		t.socketMessage(c, payload)
	case _engineClosePacket:
		t.dropped(c, ErrConnectionClosed, true)
	case _enginePongPacket:
		c.alive()
	case _enginePingPacket:
		c.alive()
		_ = t.write(context.Background(), c, []byte(_enginePongPacket))
	case _engineOpenPacket:
		// only expected during the handshake
	}
}

// socketMessage processes a Socket.IO packet of the default namespace.
func (t *Transport) socketMessage(c *conn, message []byte) {
	packetType, payload, err := decodeSocketPacket(message)
	if err != nil {
		t.log.Debug().Err(err).Msg("socket packet dropped")
		return
	}
	nsp, id, hasID, body := splitSocketPayload(payload)
	if nsp != "/" {
		t.log.Debug().Str("nsp", nsp).Msg("packet for other namespace dropped")
		return
	}

	switch packetType {
	case _socketEventPacket:
		t.eventMessage(body)
	case _socketAckPacket:
		if hasID {
			t.ackMessage(id, body)
		}
	case _socketDisconnectPacket:
		// a server side disconnect is final, no reconnection
		t.dropped(c, ErrServerDisconnect, false)
	case _socketErrorPacket:
		t.publish(siosession.StatusMessage(siosession.StatusEvent{
			Status: siosession.StatusError,
			Reason: fmt.Sprintf("server error: %s", body),
		}))
	case _socketBinaryEventPacket, _socketBinaryAckPacket:
		t.log.Warn().Msg("binary packets are not supported, dropped")
	}
}

func (t *Transport) eventMessage(body []byte) {
	event, args, err := decodeEvent(body)
	if err != nil {
		t.log.Debug().Err(err).Msg("malformed event dropped")
		return
	}
	t.mu.Lock()
	_, wanted := t.events[event]
	t.mu.Unlock()
	if !wanted {
		return
	}
	t.publish(siosession.EventMessage(event, argsValue(args)))
}

func (t *Transport) ackMessage(id int, body []byte) {
	t.mu.Lock()
	ack, ok := t.acks[id]
	delete(t.acks, id)
	t.mu.Unlock()
	if !ok {
		return
	}

	var data siosession.Value
	if err := data.UnmarshalJSON(body); err != nil {
		t.log.Debug().Err(err).Int("ack", id).Msg("malformed ack")
		return
	}
	args, _ := data.AsList()
	ack(argsValue(args))
}

// alive resets the heartbeat timeout.
func (c *conn) alive() {
	select {
	case c.heartbeatChan <- struct{}{}:
	default:
	}
}
