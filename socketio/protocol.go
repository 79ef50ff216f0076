package socketio

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/ansmatterer/siosession"
)

type Version string

const (
	V2 Version = "v2"
	V3 Version = "v3"
)

// Engine.IO protocol revision per Socket.IO version
var eioVersions = map[Version]string{
	V2: "3",
	V3: "4",
}

const defaultPath = "/socket.io/"

// engine open packet payload
type handshakeResponse struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingTimeout  int      `json:"pingTimeout"`
	PingInterval int      `json:"pingInterval"`
}

// Engine.IO packet types
const (
	_engineOpenPacket    = "0"
	_engineClosePacket   = "1"
	_enginePingPacket    = "2"
	_enginePongPacket    = "3"
	_engineMessagePacket = "4"
)

// Socket.IO packet types
const (
	_socketConnectPacket     = "0"
	_socketDisconnectPacket  = "1"
	_socketEventPacket       = "2"
	_socketAckPacket         = "3"
	_socketErrorPacket       = "4"
	_socketBinaryEventPacket = "5"
	_socketBinaryAckPacket   = "6"
)

// handshakeURL builds the websocket endpoint for rawURL. The scheme follows
// the http/https of rawURL unless opts forces secure.
func handshakeURL(u *url.URL, opts *siosession.ConnectionOptions, version Version) string {
	scheme := "ws"
	if u.Scheme == "https" || u.Scheme == "wss" {
		scheme = "wss"
	}
	if secure, ok := opts.Secure(); ok && secure {
		scheme = "wss"
	}

	path := defaultPath
	if p, ok := opts.Path(); ok && p != "" {
		path = p
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}

	query := u.Query()
	for k, v := range opts.Query() {
		query.Set(k, v)
	}
	query.Set("EIO", eioVersions[version])
	query.Set("transport", "websocket")

	out := url.URL{Scheme: scheme, Host: u.Host, Path: path, RawQuery: query.Encode()}
	return out.String()
}

func _encodePacket(packetType string, data interface{}) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString(packetType)

	if data != nil {
		switch v := data.(type) {
		case string:
			sb.WriteString(v)
		case []byte:
			sb.Write(v)
		default:
			jsonData, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			sb.Write(jsonData)
		}
	}
	return []byte(sb.String()), nil
}

func _decodePacket(data []byte) (string, []byte, error) {
	if len(data) < 1 {
		return "", nil, ErrInvalidPacket
	}
	packetType := string(data[0])

	var payload []byte
	if len(data) > 1 {
		payload = data[1:]
	}
	return packetType, payload, nil
}

func encodeSocketPacket(packetType string, data interface{}) ([]byte, error) {
	return _encodePacket(packetType, data)
}

func decodeSocketPacket(data []byte) (string, []byte, error) {
	return _decodePacket(data)
}

func encodeEnginePacket(packetType string, data interface{}) ([]byte, error) {
	return _encodePacket(packetType, data)
}

func decodeEnginePacket(data []byte) (string, []byte, error) {
	return _decodePacket(data)
}

// encodeMessage wraps a socket packet into an engine message packet.
func encodeMessage(socketType string, data interface{}) ([]byte, error) {
	msg, err := encodeSocketPacket(socketType, data)
	if err != nil {
		return nil, err
	}
	return encodeEnginePacket(_engineMessagePacket, msg)
}

// splitSocketPayload strips the optional "/nsp," prefix and ack id off a
// socket packet payload.
func splitSocketPayload(payload []byte) (nsp string, id int, hasID bool, body []byte) {
	nsp = "/"
	if len(payload) > 0 && payload[0] == '/' {
		if i := bytes.IndexByte(payload, ','); i >= 0 {
			nsp, payload = string(payload[:i]), payload[i+1:]
		} else {
			return string(payload), 0, false, nil
		}
	}
	id, hasID, body = getEventID(payload)
	return nsp, id, hasID, body
}

// getEventID splits the leading decimal ack id from message.
func getEventID(message []byte) (int, bool, []byte) {
	end := 0
	for end < len(message) && message[end] >= '0' && message[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false, message
	}
	id, err := strconv.Atoi(string(message[:end]))
	if err != nil {
		return 0, false, message
	}
	return id, true, message[end:]
}

// decodeEvent parses `["name", arg...]`.
func decodeEvent(body []byte) (string, []siosession.Value, error) {
	var arr []siosession.Value
	if err := json.Unmarshal(body, &arr); err != nil {
		return "", nil, err
	}
	if len(arr) == 0 {
		return "", nil, ErrInvalidPacket
	}
	name, ok := arr[0].AsString()
	if !ok {
		return "", nil, ErrInvalidPacket
	}
	return name, arr[1:], nil
}

// argsValue folds event arguments into the single Value handed to listeners.
func argsValue(args []siosession.Value) siosession.Value {
	switch len(args) {
	case 0:
		return siosession.Null()
	case 1:
		return args[0]
	}
	return siosession.List(args...)
}

func eventArgs(event string, data siosession.Value) []siosession.Value {
	if data.IsNull() {
		return []siosession.Value{siosession.String(event)}
	}
	return []siosession.Value{siosession.String(event), data}
}
