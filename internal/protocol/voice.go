package protocol

import "encoding/binary"

// VoicePacket is one encoded audio frame carried as a UDP payload.
// Layout, all little-endian: sender_id u32 || seq u32 || payload_len u32 ||
// payload. The payload is opaque to this layer; the speech codec owns it.
type VoicePacket struct {
	SenderID uint32
	Seq      uint32
	Payload  []byte
}

// Encode serializes the packet.
func (p *VoicePacket) Encode() []byte {
	buf := make([]byte, VoicePacketHeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], p.SenderID)
	binary.LittleEndian.PutUint32(buf[4:8], p.Seq)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(p.Payload)))
	copy(buf[VoicePacketHeaderSize:], p.Payload)
	return buf
}

// DecodeVoicePacket deserializes a packet. It returns false when the buffer
// is shorter than the header or the declared payload; such datagrams are
// dropped, never surfaced as errors.
func DecodeVoicePacket(buf []byte) (*VoicePacket, bool) {
	if len(buf) < VoicePacketHeaderSize {
		return nil, false
	}

	payloadLen := binary.LittleEndian.Uint32(buf[8:12])
	if uint32(len(buf)-VoicePacketHeaderSize) < payloadLen {
		return nil, false
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[VoicePacketHeaderSize:VoicePacketHeaderSize+int(payloadLen)])

	return &VoicePacket{
		SenderID: binary.LittleEndian.Uint32(buf[0:4]),
		Seq:      binary.LittleEndian.Uint32(buf[4:8]),
		Payload:  payload,
	}, true
}
