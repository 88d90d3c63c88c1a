package types

import (
	"bytes"
	"testing"
)

func TestSubChannel_RoundTrip(t *testing.T) {
	tests := []SubChannel{
		{ChannelID: 1, SubID: 0},
		{ChannelID: 42, SubID: 7},
		{ChannelID: 1<<63 + 5, SubID: 255},
	}
	for _, sc := range tests {
		got, err := ParseSubChannel(sc.Bytes())
		if err != nil {
			t.Fatalf("ParseSubChannel(%v) failed: %v", sc, err)
		}
		if got != sc {
			t.Errorf("round trip = %v, want %v", got, sc)
		}
	}
}

func TestParseSubChannel_Short(t *testing.T) {
	if _, err := ParseSubChannel(make([]byte, SubChannelSize-1)); err == nil {
		t.Error("expected error for short entry")
	}
}

func TestPadString(t *testing.T) {
	b := PadString("root", UserNameSize)
	if len(b) != UserNameSize {
		t.Fatalf("len = %d, want %d", len(b), UserNameSize)
	}
	if !bytes.HasPrefix(b, []byte("root")) {
		t.Errorf("prefix = %q", b[:4])
	}
	if got := TrimString(b); got != "root" {
		t.Errorf("TrimString = %q, want %q", got, "root")
	}
}

func TestPadString_Truncates(t *testing.T) {
	b := PadString("abcdef", 3)
	if string(b) != "abc" {
		t.Errorf("PadString = %q, want %q", b, "abc")
	}
}

func TestParseSessionID(t *testing.T) {
	raw := bytes.Repeat([]byte{0xAB}, SessionIDSize+4)
	id, err := ParseSessionID(raw)
	if err != nil {
		t.Fatalf("ParseSessionID failed: %v", err)
	}
	if id.IsZero() {
		t.Error("expected non-zero id")
	}
	if _, err := ParseSessionID(raw[:10]); err == nil {
		t.Error("expected error for short id")
	}
}

func TestTypeID_Reserved(t *testing.T) {
	if TypeText.Reserved() {
		t.Error("TEXT must not be reserved")
	}
	for _, tt := range []TypeID{TypePrivIPC, TypePubIPC, 0xFF} {
		if !tt.Reserved() {
			t.Errorf("%v should be reserved", tt)
		}
	}
}

func TestAsyncID_String(t *testing.T) {
	if got := AsyncCast.String(); got != "CAST" {
		t.Errorf("AsyncCast.String() = %q", got)
	}
	if AsyncID(3).Known() {
		t.Error("async id 3 is not in the catalog")
	}
}
