// Package protocol defines the wire encodings for duovoice: the handshake
// messages, the chat message union carried over the secure stream, and the
// voice packets carried over UDP.
//
// All handshake fields are fixed-size byte arrays emitted verbatim in
// declaration order. Where a length field appears it is an unsigned 64-bit
// little-endian count, matching the platform-neutral serialization used by
// every peer implementation.
package protocol

import "github.com/postalsys/duovoice/internal/crypto"

// Handshake message sizes on the wire.
const (
	// ClientHelloSize is identity pub + ephemeral pub + nonce.
	ClientHelloSize = crypto.Ed25519PublicKeySize + crypto.KeySize + crypto.NonceSize

	// HostChallengeSize adds the u64 length-prefixed 64-byte signature.
	HostChallengeSize = crypto.Ed25519PublicKeySize + crypto.KeySize + crypto.NonceSize +
		8 + crypto.Ed25519SignatureSize

	// ClientResponseSize is the u64 length-prefixed 64-byte signature alone.
	ClientResponseSize = 8 + crypto.Ed25519SignatureSize
)

// Chat message tags. The union tag is an unsigned 32-bit little-endian value.
const (
	ChatTagText   uint32 = 0
	ChatTagSystem uint32 = 1
)

// VoicePacketHeaderSize is sender_id + seq + payload_len, all u32 LE.
const VoicePacketHeaderSize = 12
