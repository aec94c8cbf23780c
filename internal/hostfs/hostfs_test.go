package hostfs

import "testing"

func TestVirtualFileSystemCreateOpenRoundTrip(t *testing.T) {
	vfs := NewVirtualFileSystem()
	path := []string{"Nintendo 3DS", "id0", "id1", "extdata", "00000000", "00000001"}

	if err := vfs.Create(path, 16); err != nil {
		t.Fatalf("create: %v", err)
	}
	dev, err := vfs.Open(path, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if dev.Len() != 16 {
		t.Fatalf("Len = %d, want 16", dev.Len())
	}

	want := []byte("0123456789abcdef")
	if err := dev.Write(0, want); err != nil {
		t.Fatalf("write: %v", err)
	}

	reopened, err := vfs.Open(path, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := make([]byte, 16)
	if err := reopened.Read(0, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("read back = %q, want %q", got, want)
	}
}

func TestVirtualFileSystemOpenMissing(t *testing.T) {
	vfs := NewVirtualFileSystem()
	if _, err := vfs.Open([]string{"nope"}, false); err == nil {
		t.Fatal("expected error opening a missing path")
	}
}

func TestVirtualFileSystemRemove(t *testing.T) {
	vfs := NewVirtualFileSystem()
	path := []string{"a", "b"}
	if err := vfs.Create(path, 4); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := vfs.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := vfs.Open(path, false); err == nil {
		t.Fatal("expected error opening a removed path")
	}
}

func TestVirtualFileSystemDistinctPaths(t *testing.T) {
	vfs := NewVirtualFileSystem()
	a := []string{"shared", "x"}
	b := []string{"shared_x"}
	if err := vfs.Create(a, 4); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := vfs.Open(b, false); err == nil {
		t.Fatal("path components must not collapse across the separator")
	}
}

func TestVirtualFileSystemRemoveDirIsNoop(t *testing.T) {
	vfs := NewVirtualFileSystem()
	if err := vfs.RemoveDir([]string{"anything"}); err != nil {
		t.Fatalf("remove dir: %v", err)
	}
}
