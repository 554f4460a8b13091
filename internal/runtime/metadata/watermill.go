package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill reads the headers of a hub message.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill converts m into a Watermill metadata map.
func ToWatermill(m Metadata) message.Metadata {
	wm := make(message.Metadata, len(m))
	for k, v := range m {
		wm[k] = v
	}
	return wm
}

// NewMessage builds a hub message with payload and the headers of m.
func NewMessage(uuid string, payload []byte, m Metadata) *message.Message {
	msg := message.NewMessage(uuid, payload)
	msg.Metadata = ToWatermill(m)
	return msg
}
