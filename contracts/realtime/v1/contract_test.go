package v1

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeInbound_Variants(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "authenticate", in: `{"type":"authenticate","token":"t","displayName":"Ann"}`, want: TypeAuthenticate},
		{name: "update", in: `{"type":"update","x":1.5,"y":-2}`, want: TypeUpdate},
		{name: "chat", in: `{"type":"chat","message":"hi"}`, want: TypeChat},
		{name: "ping", in: `{"type":"ping"}`, want: TypePing},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodeInbound([]byte(tc.in))
			if err != nil {
				t.Fatalf("DecodeInbound(%s): %v", tc.in, err)
			}
			if got.InboundType() != tc.want {
				t.Fatalf("type=%q want=%q", got.InboundType(), tc.want)
			}
		})
	}
}

func TestDecodeInbound_UpdateFields(t *testing.T) {
	t.Parallel()

	got, err := DecodeInbound([]byte(`{"type":"update","x":10,"y":20,"animation":"walk"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	u, ok := got.(Update)
	if !ok {
		t.Fatalf("expected Update, got %T", got)
	}
	if u.X != 10 || u.Y != 20 {
		t.Fatalf("unexpected position: %v,%v", u.X, u.Y)
	}
	if u.Animation == nil || *u.Animation != "walk" {
		t.Fatalf("unexpected animation: %v", u.Animation)
	}
	if u.Skin != nil {
		t.Fatalf("skin should be absent")
	}
}

func TestDecodeInbound_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want error
	}{
		{in: `not json`, want: ErrMalformed},
		{in: `{}`, want: ErrMissingType},
		{in: `{"type":"teleport"}`, want: ErrUnknownType},
		{in: `{"type":"update","x":1}`, want: ErrMalformed},
		{in: `{"type":"chat","message":42}`, want: ErrMalformed},
	}
	for _, tc := range cases {
		_, err := DecodeInbound([]byte(tc.in))
		if !errors.Is(err, tc.want) {
			t.Fatalf("DecodeInbound(%s) err=%v want %v", tc.in, err, tc.want)
		}
	}
}

func TestOutboundCarriesType(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(NewPlayers(nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"type":"players","list":[]}` {
		t.Fatalf("unexpected players frame: %s", b)
	}

	b, err = json.Marshal(NewBanned("spam", "", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"type":"banned","reason":"spam"}` {
		t.Fatalf("unexpected banned frame: %s", b)
	}
}
