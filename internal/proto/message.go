package proto

import (
	"fmt"
	"strconv"
	"strings"
)

// Message is the envelope exchanged between client, broker and worker. The same
// structure is used for responses flowing back from the broker.
type Message struct {
	Service ServiceType
	Type    MeshIOType
	Data    []byte
}

// Encode produces "<service> <in> <out>\n<len>\n<payload>".
func (m Message) Encode() []byte {
	buf := make([]byte, 0, 32+len(m.Data))
	buf = strconv.AppendUint(buf, uint64(m.Service), 10)
	buf = append(buf, ' ')
	key, _ := m.Type.MarshalText()
	buf = append(buf, key...)
	buf = append(buf, '\n')
	return appendBlock(buf, m.Data)
}

// Decode parses a fully buffered envelope. It fails with ErrMalformedMessage
// when the declared payload length differs from the remaining bytes or the
// service tag is not recognized.
func Decode(data []byte) (Message, error) {
	r := &textReader{buf: data}
	head, err := r.line()
	if err != nil {
		return Message{}, err
	}
	svc, key, ok := strings.Cut(strings.TrimSpace(head), " ")
	if !ok {
		return Message{}, fmt.Errorf("%w: header %q", ErrMalformedMessage, head)
	}
	n, err := strconv.ParseUint(svc, 10, 32)
	if err != nil {
		return Message{}, fmt.Errorf("%w: service tag %q", ErrMalformedMessage, svc)
	}
	service := ServiceType(n)
	if !service.Valid() {
		return Message{}, fmt.Errorf("%w: unknown service tag %d", ErrMalformedMessage, n)
	}
	t, err := ParseMeshIOType(key)
	if err != nil {
		return Message{}, err
	}
	payload, err := r.block()
	if err != nil {
		return Message{}, err
	}
	return Message{Service: service, Type: t, Data: payload}, nil
}

func (m Message) String() string {
	return fmt.Sprintf("%s[%s] %dB", m.Service, m.Type, len(m.Data))
}
