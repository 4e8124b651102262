package frame

import (
	"errors"
	"testing"
)

func TestFDEForPC(t *testing.T) {
	frames := NewFrameIndex()
	frames = append(frames,
		&FrameDescriptionEntry{begin: 10, size: 40},
		&FrameDescriptionEntry{begin: 50, size: 50},
		&FrameDescriptionEntry{begin: 100, size: 100},
		&FrameDescriptionEntry{begin: 300, size: 10})

	for _, test := range []struct {
		pc  uint64
		fde *FrameDescriptionEntry
	}{
		{0, nil},
		{9, nil},
		{10, frames[0]},
		{35, frames[0]},
		{49, frames[0]},
		{50, frames[1]},
		{75, frames[1]},
		{100, frames[2]},
		{199, frames[2]},
		{200, nil},
		{299, nil},
		{300, frames[3]},
		{309, frames[3]},
		{310, nil},
		{400, nil}} {

		out, err := frames.FDEForPC(test.pc)
		if test.fde != nil {
			if err != nil {
				t.Fatal(err)
			}
			if out != test.fde {
				t.Errorf("[pc = %#x] got incorrect fde\noutput:\t%#v\nexpected:\t%#v", test.pc, out, test.fde)
			}
		} else {
			if err == nil {
				t.Errorf("[pc = %#x] expected error got fde %#v", test.pc, out)
			}
			var noFDE *ErrNoFDEForPC
			if !errors.As(err, &noFDE) || noFDE.PC != test.pc {
				t.Errorf("[pc = %#x] expected ErrNoFDEForPC carrying the pc, got %v", test.pc, err)
			}
		}
	}
}

func TestAppendDeduplicates(t *testing.T) {
	a := FrameDescriptionEntries{
		&FrameDescriptionEntry{begin: 100, size: 10},
		&FrameDescriptionEntry{begin: 300, size: 10},
	}
	b := FrameDescriptionEntries{
		&FrameDescriptionEntry{begin: 100, size: 10},
		&FrameDescriptionEntry{begin: 200, size: 10},
	}

	r := a.Append(b)
	if len(r) != 3 {
		t.Fatalf("expected 3 entries after dedup, got %d", len(r))
	}
	for i := 1; i < len(r); i++ {
		if r[i-1].Begin() > r[i].Begin() {
			t.Fatal("result not sorted")
		}
	}
}

func TestTranslate(t *testing.T) {
	fde := &FrameDescriptionEntry{begin: 0x1000, size: 0x100}
	fde.Translate(0x400000)
	if fde.Begin() != 0x401000 || fde.End() != 0x401100 {
		t.Fatalf("unexpected range [%#x, %#x)", fde.Begin(), fde.End())
	}
}
