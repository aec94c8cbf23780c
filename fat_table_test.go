package save3ds

import "testing"

func TestEntryStructSize(t *testing.T) {
	if entryLen != 8 {
		t.Errorf("entryLen = %d, want 8", entryLen)
	}
	table := NewMemoryFile(entryLen)
	want := entry{uIndex: 5, uFlag: 1, vIndex: 9, vFlag: 0}
	if err := writeEntry(table, 0, want); err != nil {
		t.Fatalf("writeEntry: %v", err)
	}
	got, err := readEntry(table, 0)
	if err != nil {
		t.Fatalf("readEntry: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

// splitmix64 drives the fuzz-VM below; it gives a cheap deterministic
// stream of pseudo-random uint64s from a single fuzz-supplied seed.
type splitmix64 struct{ state uint64 }

func (s *splitmix64) next() uint64 {
	s.state += 0x9E3779B97F4A7C15
	z := s.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

func (s *splitmix64) intn(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return int64(s.next() % uint64(n))
}

// FuzzFat exercises create/open/read/write/delete/resize against a
// plain in-memory mirror image, the same operation set as fat.rs's own
// fuzz test (spec.md §4.8).
func FuzzFat(f *testing.F) {
	f.Add(uint64(1))
	f.Add(uint64(2))
	f.Add(uint64(424242))
	f.Fuzz(func(t *testing.T, seed uint64) {
		rng := &splitmix64{state: seed | 1}
		blockLen := 1 + rng.intn(9)
		blockCount := 1 + rng.intn(99)

		table := NewMemoryFile(int(8 * (blockCount + 1)))
		data := NewMemoryFile(int(blockCount * blockLen))
		if err := FormatFat(table); err != nil {
			t.Fatalf("format: %v", err)
		}
		fat, err := NewFat(table, data, blockLen)
		if err != nil {
			t.Fatalf("new fat: %v", err)
		}

		freeBlockCount := blockCount

		type openFile struct {
			image      []byte
			fatFile    *FatFile
			startBlock int64
		}
		var files []openFile

		for op := 0; op < 2000; op++ {
			switch rng.intn(19) {
			case 0:
				fileBlockCount := 1 + rng.intn(blockCount/2+1)
				ff, start, err := CreateFatFile(fat, fileBlockCount)
				if err != nil {
					if kind, ok := KindOf(err); !ok || kind != KindNoSpace || fileBlockCount <= freeBlockCount {
						t.Fatalf("unexpected create error: %v", err)
					}
					continue
				}
				if fileBlockCount > freeBlockCount {
					t.Fatalf("created %d blocks with only %d free", fileBlockCount, freeBlockCount)
				}
				freeBlockCount -= fileBlockCount
				image := make([]byte, fileBlockCount*blockLen)
				for i := range image {
					image[i] = byte(rng.next())
				}
				if err := ff.Write(0, image); err != nil {
					t.Fatalf("write new file: %v", err)
				}
				files = append(files, openFile{image: image, fatFile: ff, startBlock: start})

			case 1, 2:
				if len(files) == 0 {
					continue
				}
				idx := rng.intn(int64(len(files)))
				reopened, err := OpenFatFile(fat, files[idx].startBlock)
				if err != nil {
					t.Fatalf("reopen: %v", err)
				}
				files[idx].fatFile = reopened

			case 3, 4, 5, 6, 7, 8, 9:
				if len(files) == 0 {
					continue
				}
				idx := rng.intn(int64(len(files)))
				file := &files[idx]
				length := int64(len(file.image))
				pos := rng.intn(length)
				dataLen := 1 + rng.intn(length-pos)
				if rng.intn(10) < 7 {
					a := make([]byte, dataLen)
					for i := range a {
						a[i] = byte(rng.next())
					}
					if err := file.fatFile.Write(pos, a); err != nil {
						t.Fatalf("write: %v", err)
					}
					copy(file.image[pos:pos+dataLen], a)
				} else {
					a := make([]byte, dataLen)
					if err := file.fatFile.Read(pos, a); err != nil {
						t.Fatalf("read: %v", err)
					}
					want := file.image[pos : pos+dataLen]
					for i := range a {
						if a[i] != want[i] {
							t.Fatalf("read mismatch at %d", i)
						}
					}
				}

			case 10, 11, 12, 13:
				if len(files) == 0 {
					continue
				}
				idx := rng.intn(int64(len(files)))
				file := files[idx]
				files = append(files[:idx], files[idx+1:]...)
				freeBlockCount += int64(len(file.image)) / blockLen
				if err := file.fatFile.Delete(); err != nil {
					t.Fatalf("delete: %v", err)
				}

			default:
				if len(files) == 0 {
					continue
				}
				idx := rng.intn(int64(len(files)))
				file := &files[idx]
				fileBlockCount := int64(len(file.image)) / blockLen
				newBlockCount := 1 + rng.intn(fileBlockCount*2)

				if newBlockCount > fileBlockCount {
					delta := newBlockCount - fileBlockCount
					err := file.fatFile.Resize(newBlockCount)
					if err != nil {
						if kind, ok := KindOf(err); !ok || kind != KindNoSpace || delta <= freeBlockCount {
							t.Fatalf("unexpected resize error: %v", err)
						}
						continue
					}
					a := make([]byte, delta*blockLen)
					for i := range a {
						a[i] = byte(rng.next())
					}
					if err := file.fatFile.Write(fileBlockCount*blockLen, a); err != nil {
						t.Fatalf("write grown tail: %v", err)
					}
					file.image = append(file.image, a...)
					freeBlockCount -= delta
				} else {
					delta := fileBlockCount - newBlockCount
					if err := file.fatFile.Resize(newBlockCount); err != nil {
						t.Fatalf("shrink resize: %v", err)
					}
					file.image = file.image[:newBlockCount*blockLen]
					freeBlockCount += delta
				}
			}
		}
	})
}
