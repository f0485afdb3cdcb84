package wire

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestEncodeDecodeFrame(t *testing.T) {
	msg := &Message{Method: "scene.info", Payload: json.RawMessage(`{"depth":2}`)}
	body, err := EncodeMessage(msg)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	header := &Header{MsgType: MsgTypeRequest, Seq: 42, BodyLen: uint32(len(body))}
	if err := Encode(&buf, header, body); err != nil {
		t.Fatal(err)
	}

	gotHeader, gotBody, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if gotHeader.MsgType != MsgTypeRequest || gotHeader.Seq != 42 {
		t.Fatalf("header mismatch: %+v", gotHeader)
	}

	gotMsg, err := DecodeMessage(gotBody)
	if err != nil {
		t.Fatal(err)
	}
	if gotMsg.Method != "scene.info" {
		t.Fatalf("expect method scene.info, got %s", gotMsg.Method)
	}
}

func TestPingFrameHasNoBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypePing, Seq: 7}, nil); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != HeaderSize {
		t.Fatalf("expect %d bytes, got %d", HeaderSize, buf.Len())
	}

	header, body, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if header.MsgType != MsgTypePing || header.Seq != 7 || len(body) != 0 {
		t.Fatalf("unexpected frame: %+v body=%d", header, len(body))
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		[]byte("GET / HTTP/1.1\r\nHost: x\r\n"),          // wrong magic
		{magic0, magic1, magic2, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0}, // wrong version
		{magic0, magic1, magic2, Version, 9, 0, 0, 0, 0, 0, 0, 0, 0}, // unknown msg type
	}
	for i, raw := range cases {
		if _, _, err := Decode(bytes.NewReader(raw)); err == nil {
			t.Fatalf("case %d: expect decode error", i)
		}
	}
}
