package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// StartupVersion extracts the protocol version declared in a startup message
// as a "major.minor" string. The version occupies two consecutive 2-byte
// big-endian integers right after the length word. The handshake only
// proceeds for version 3.0.
func (m Message) StartupVersion() (string, error) {
	if m.Type() != 0 {
		return "", fmt.Errorf("expected untyped startup message, got: %q", m.Type())
	}

	major := int(binary.BigEndian.Uint16(m[4:6]))
	minor := int(binary.BigEndian.Uint16(m[6:8]))
	return fmt.Sprintf("%d.%d", major, minor), nil
}

// StartupArgs decodes the session arguments carried by a startup message
// (user, database, client settings) into a key-value map. The wire encoding
// is a flat sequence of NULL-terminated strings alternating between keys and
// values; a trailing key without a value is discarded.
func (m Message) StartupArgs() (map[string]interface{}, error) {
	if m.Type() != 0 {
		return nil, fmt.Errorf("expected untyped startup message, got: %q", m.Type())
	}

	buff := m[8:] // past the 4-byte length and 4-byte version

	var strings []string
	for len(buff) > 0 {
		idx := bytes.IndexByte(buff, 0)
		if idx == -1 {
			break
		}

		strings = append(strings, string(buff[:idx]))
		buff = buff[idx+1:]
	}

	// even indexes are keys, odd indexes their values
	args := make(map[string]interface{})
	for i := 0; i < len(strings)-1; i += 2 {
		args[strings[i]] = strings[i+1]
	}

	return args, nil
}

// IsTLSRequest reports whether the startup message is really an SSLRequest,
// marked by the reserved version number 1234.5679.
func (m Message) IsTLSRequest() bool {
	v, _ := m.StartupVersion()
	return v == "1234.5679"
}

// TLSResponse builds the single-byte answer to an SSLRequest. 'S' tells the
// client to start the TLS handshake, 'N' tells it to carry on in cleartext.
func TLSResponse(supported bool) Message {
	b := map[bool]byte{true: 'S', false: 'N'}[supported]
	return Message([]byte{b})
}

// BackendKeyData builds the message that hands the client the process ID and
// secret it must echo back in a cancel request for this session.
func BackendKeyData(pid int32, secret int32) Message {
	msg := []byte{'K', 0, 0, 0, 12, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(msg[5:9], uint32(pid))
	binary.BigEndian.PutUint32(msg[9:13], uint32(secret))
	return msg
}

// IsCancel reports whether the startup message is a CancelRequest, marked by
// the reserved version number 1234.5678.
func (m Message) IsCancel() bool {
	v, _ := m.StartupVersion()
	return v == "1234.5678"
}

// CancelKeyData extracts the target process ID and secret from a
// CancelRequest message.
func (m Message) CancelKeyData() (int32, int32, error) {
	if !m.IsCancel() {
		return -1, -1, fmt.Errorf("not a cancel message")
	}

	pid := int32(binary.BigEndian.Uint32(m[8:12]))
	secret := int32(binary.BigEndian.Uint32(m[12:16]))
	return pid, secret, nil
}

// ParameterStatus builds a message reporting one runtime parameter setting
// to the client.
func ParameterStatus(name, value string) Message {
	length := /* TYPE+LEN */ 5 + len(name) + len(value) + /* TERMINATORS */ 2
	msg := make([]byte, length)
	msg[0] = 'S'
	copy(msg[5:], name)
	copy(msg[length-len(value)-1:], value)

	binary.BigEndian.PutUint32(msg[1:5], uint32(length-1))
	return msg
}
