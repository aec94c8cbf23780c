package savedata

import "testing"

func TestExtHeaderStructSize(t *testing.T) {
	if extHeaderLen != 0x138 {
		t.Errorf("extHeaderLen = %#x, want 0x138", extHeaderLen)
	}
}

func TestExtSignerBlockLayout(t *testing.T) {
	sub := uint64(0x42)
	s := ExtSigner{ID: 0x1122334455667788, SubID: &sub}
	block := s.Block([]byte("payload"))
	if string(block[0:8]) != "CTR-EXT0" {
		t.Fatalf("prefix = %q, want CTR-EXT0", block[0:8])
	}
	if string(block[len(block)-7:]) != "payload" {
		t.Fatalf("suffix = %q, want payload", block[len(block)-7:])
	}
	if len(block) != 8+8+4+8+7 {
		t.Fatalf("len = %d, want %d", len(block), 8+8+4+8+7)
	}
}

func TestExtSignerNoSubID(t *testing.T) {
	s := ExtSigner{ID: 1}
	block := s.Block(nil)
	present := block[16]
	if present != 0 {
		t.Fatalf("present flag = %d, want 0 with nil SubID", present)
	}
}

func TestIDPathSplitsHighLow(t *testing.T) {
	high, low := idPath(0x0000000100000002)
	if high != "00000001" || low != "00000002" {
		t.Fatalf("idPath = (%q, %q)", high, low)
	}
}

func TestFanOutMath(t *testing.T) {
	// file_index 1 belongs to the reserved ino 0 (the slot the meta file
	// uses); it must fall in bucket (0, 1).
	fileIndex := uint64(0) + 1
	if fidHigh, fidLow := fileIndex/fanOut, fileIndex%fanOut; fidHigh != 0 || fidLow != 1 {
		t.Fatalf("fid = (%d, %d), want (0, 1)", fidHigh, fidLow)
	}
	// file_index 126 rolls over into bucket (1, 0).
	fileIndex = fanOut
	if fidHigh, fidLow := fileIndex/fanOut, fileIndex%fanOut; fidHigh != 1 || fidLow != 0 {
		t.Fatalf("fid = (%d, %d), want (1, 0)", fidHigh, fidLow)
	}
}

func TestExtFileCodecRoundTrip(t *testing.T) {
	f1 := ExtFile{next: 4, block: 9, uniqueID: 0xDEADBEEF}
	f2 := f1.WithNext(10)
	if f2.Next() != 10 {
		t.Fatalf("WithNext did not update Next()")
	}
	if f1.Next() != 4 {
		t.Fatalf("WithNext mutated the receiver")
	}
}
