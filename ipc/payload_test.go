package ipc

import (
	"bytes"
	"testing"

	"github.com/pithecene-io/mrci/types"
)

func TestCast_EncodeDecode(t *testing.T) {
	sc := types.SubChannel{ChannelID: 7, SubID: 3}
	c := CastTo(sc, types.TypeText, []byte("hi"))

	b := c.Encode()
	if len(b) != CastPrefixSize+2 {
		t.Fatalf("len = %d, want %d", len(b), CastPrefixSize+2)
	}

	got, err := DecodeCast(b)
	if err != nil {
		t.Fatalf("DecodeCast: %v", err)
	}
	if got.Type != types.TypeText {
		t.Errorf("type = %v, want TEXT", got.Type)
	}
	if !bytes.Equal(got.Header[:types.SubChannelSize], sc.Bytes()) {
		t.Errorf("header does not start with the sub-channel entry")
	}
	if !bytes.Equal(got.Header[types.SubChannelSize:], make([]byte, types.SubChannelHeaderSize-types.SubChannelSize)) {
		t.Errorf("unused header slots must be zero")
	}
	if string(got.Data) != "hi" {
		t.Errorf("data = %q", got.Data)
	}
}

func TestDecodeCast_Short(t *testing.T) {
	if _, err := DecodeCast(make([]byte, CastPrefixSize-1)); err == nil {
		t.Fatal("expected error for short cast")
	}
}

func TestDirect_EncodeDecodeAndStamp(t *testing.T) {
	var dst, src, forged types.SessionID
	dst[0], src[0], forged[0] = 1, 2, 9

	b := Direct{Dst: dst, Src: forged, Type: types.TypeP2PRequest, Data: []byte{0xAA}}.Encode()
	if !StampSource(b, src) {
		t.Fatal("StampSource rejected a full payload")
	}

	d, err := DecodeDirect(b)
	if err != nil {
		t.Fatalf("DecodeDirect: %v", err)
	}
	if d.Dst != dst || d.Src != src {
		t.Errorf("dst/src = %v/%v", d.Dst, d.Src)
	}
	if d.Type != types.TypeP2PRequest {
		t.Errorf("type = %v", d.Type)
	}
	if !bytes.Equal(d.Data, []byte{0xAA}) {
		t.Errorf("data = %x", d.Data)
	}

	if StampSource(make([]byte, 10), src) {
		t.Error("StampSource accepted a short payload")
	}
	if _, err := DecodeDirect(make([]byte, 10)); err == nil {
		t.Error("expected error for short p2p payload")
	}
}

func TestPeerStat_Decode(t *testing.T) {
	in := PeerStat{SessionID: []byte{1, 2}, ChannelID: 5, SubID: 1, Open: true}
	var out PeerStat
	if err := Decode(MustEncode(in), &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.ChannelID != 5 || !out.Open {
		t.Errorf("got %+v", out)
	}
	if err := Decode([]byte{0xC1}, &out); err == nil {
		t.Error("expected decode error")
	}
}

func TestUserEvent_Rank(t *testing.T) {
	var user types.UserID
	user[0], user[31] = 1, 2

	got, err := DecodeUserEvent(RankChanged(user, 7).Encode())
	if err != nil {
		t.Fatalf("DecodeUserEvent: %v", err)
	}
	if got.User != user {
		t.Errorf("user = %x", got.User)
	}
	if rank, ok := got.Rank(); !ok || rank != 7 {
		t.Errorf("rank = %d, %v", rank, ok)
	}
	if _, err := DecodeUserEvent(make([]byte, types.UserIDSize-1)); err == nil {
		t.Error("short user event accepted")
	}
}

func TestChannelEvent_MemberAndSub(t *testing.T) {
	var user types.UserID
	user[5] = 9

	ev, err := DecodeChannelEvent(MemberEvent(42, user, types.LevelOfficer).Encode())
	if err != nil {
		t.Fatalf("DecodeChannelEvent: %v", err)
	}
	id, level, ok := ev.Member()
	if !ok || id != user || level != types.LevelOfficer || ev.ChannelID != 42 {
		t.Errorf("member = %x %d %v ch %d", id, level, ok, ev.ChannelID)
	}

	sc := types.SubChannel{ChannelID: 42, SubID: 3}
	ev, err = DecodeChannelEvent(SubEvent(sc, []byte("renamed")).Encode())
	if err != nil {
		t.Fatalf("DecodeChannelEvent: %v", err)
	}
	gotSC, tail, ok := ev.Sub()
	if !ok || gotSC != sc || string(tail) != "renamed" {
		t.Errorf("sub = %v %q %v", gotSC, tail, ok)
	}
	if _, err := DecodeChannelEvent([]byte{1, 2}); err == nil {
		t.Error("short channel event accepted")
	}
}
