package leb128

import (
	"bytes"
	"testing"
)

func TestEncodeUnsigned(t *testing.T) {
	tc := []uint64{0x00, 0x7f, 0x80, 0x8f, 0xffff, 0xfffffff7}
	for i := range tc {
		var buf bytes.Buffer
		EncodeUnsigned(&buf, tc[i])
		enc := append([]byte{}, buf.Bytes()...)
		buf.Write([]byte{0x1, 0x2, 0x3})
		out, c, err := DecodeUnsigned(&buf)
		if err != nil {
			t.Fatal(err)
		}
		t.Logf("input %x output %x encoded %x", tc[i], out, enc)
		if out != tc[i] {
			t.Errorf("input %x output %x", tc[i], out)
		}
		if c != uint32(len(enc)) {
			t.Errorf("input %x expected length %d got %d", tc[i], len(enc), c)
		}
	}
}

func TestEncodeSigned(t *testing.T) {
	tc := []int64{0x00, 0x01, -0x01, 0x7f, -0x7f, 0x80, -0x80, 0x8f, -0x8f, 0xffff, -0xffff}
	for i := range tc {
		var buf bytes.Buffer
		EncodeSigned(&buf, tc[i])
		enc := append([]byte{}, buf.Bytes()...)
		buf.Write([]byte{0x1, 0x2, 0x3})
		out, c, err := DecodeSigned(&buf)
		if err != nil {
			t.Fatal(err)
		}
		t.Logf("input %x output %x encoded %x", tc[i], out, enc)
		if out != tc[i] {
			t.Errorf("input %x output %x", tc[i], out)
		}
		if c != uint32(len(enc)) {
			t.Errorf("input %x expected length %d got %d", tc[i], len(enc), c)
		}
	}
}
