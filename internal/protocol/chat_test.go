package protocol

import "testing"

func TestChatTextRoundTrip(t *testing.T) {
	msg := &ChatMessage{Text: &ChatText{SenderID: "alice", Body: "hello there"}}

	encoded, err := EncodeChatMessage(msg)
	if err != nil {
		t.Fatalf("EncodeChatMessage() error = %v", err)
	}

	decoded, err := DecodeChatMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeChatMessage() error = %v", err)
	}
	if decoded.Text == nil || decoded.System != nil {
		t.Fatal("decoded message is not a Text variant")
	}
	if decoded.Text.SenderID != "alice" || decoded.Text.Body != "hello there" {
		t.Errorf("decoded Text = %+v", decoded.Text)
	}
}

func TestChatSystemRoundTrip(t *testing.T) {
	msg := &ChatMessage{System: &SystemMessage{Body: "peer joined"}}

	encoded, err := EncodeChatMessage(msg)
	if err != nil {
		t.Fatalf("EncodeChatMessage() error = %v", err)
	}

	decoded, err := DecodeChatMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeChatMessage() error = %v", err)
	}
	if decoded.System == nil || decoded.Text != nil {
		t.Fatal("decoded message is not a System variant")
	}
	if decoded.System.Body != "peer joined" {
		t.Errorf("decoded System body = %q", decoded.System.Body)
	}
}

func TestChatEmptyStrings(t *testing.T) {
	msg := &ChatMessage{Text: &ChatText{SenderID: "", Body: ""}}

	encoded, err := EncodeChatMessage(msg)
	if err != nil {
		t.Fatalf("EncodeChatMessage() error = %v", err)
	}
	decoded, err := DecodeChatMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeChatMessage() error = %v", err)
	}
	if decoded.Text == nil || decoded.Text.SenderID != "" || decoded.Text.Body != "" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestDecodeChatMessageRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"short tag", []byte{0, 0}},
		{"unknown tag", []byte{9, 0, 0, 0}},
		{"truncated length", []byte{0, 0, 0, 0, 5, 0}},
		{"truncated body", []byte{1, 0, 0, 0, 5, 0, 0, 0, 0, 0, 0, 0, 'h', 'i'}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeChatMessage(tc.buf); err == nil {
				t.Errorf("DecodeChatMessage(%v) accepted malformed input", tc.buf)
			}
		})
	}
}

func TestDecodeChatMessageRejectsTrailingBytes(t *testing.T) {
	msg := &ChatMessage{System: &SystemMessage{Body: "x"}}
	encoded, err := EncodeChatMessage(msg)
	if err != nil {
		t.Fatalf("EncodeChatMessage() error = %v", err)
	}

	if _, err := DecodeChatMessage(append(encoded, 0xFF)); err == nil {
		t.Error("trailing bytes accepted")
	}
}

func TestEncodeChatMessageRejectsEmptyUnion(t *testing.T) {
	if _, err := EncodeChatMessage(&ChatMessage{}); err == nil {
		t.Error("empty union accepted")
	}
}
