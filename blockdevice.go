package save3ds

// BlockDevice is the sole extension point of the whole stack: a
// fixed-length, byte-addressable store. Every layer in this repository
// both implements and composes over this interface, exactly as spec.md
// §2 describes ("all layers implement one uniform abstraction").
type BlockDevice interface {
	// Read fills buf with len(buf) bytes starting at pos. Returns
	// KindOutOfBound if [pos,pos+len(buf)) is not fully within [0,Len()).
	Read(pos int64, buf []byte) error
	// Write stores len(buf) bytes starting at pos. Returns KindOutOfBound
	// under the same condition as Read.
	Write(pos int64, buf []byte) error
	// Len returns the fixed logical length of the device.
	Len() int64
	// Commit makes durable all writes performed since construction or
	// the last Commit.
	Commit() error
}

// MemoryFile is a BlockDevice backed entirely by a byte slice. It ports
// original_source/libsave3ds/src/memory_file.rs: reads and writes are
// bounds-checked and take effect immediately; Commit is a no-op since
// there is nothing to flush.
type MemoryFile struct {
	data []byte
}

// NewMemoryFile allocates a zeroed MemoryFile of the given length.
func NewMemoryFile(length int) *MemoryFile {
	return &MemoryFile{data: make([]byte, length)}
}

// NewMemoryFileFrom wraps an existing byte slice directly (no copy).
func NewMemoryFileFrom(data []byte) *MemoryFile {
	return &MemoryFile{data: data}
}

func checkBound(pos int64, n int, length int64) error {
	if pos < 0 || n < 0 || pos+int64(n) > length {
		return wrap("bound check", KindOutOfBound, nil)
	}
	return nil
}

func (m *MemoryFile) Read(pos int64, buf []byte) error {
	if err := checkBound(pos, len(buf), int64(len(m.data))); err != nil {
		return err
	}
	copy(buf, m.data[pos:pos+int64(len(buf))])
	return nil
}

func (m *MemoryFile) Write(pos int64, buf []byte) error {
	if err := checkBound(pos, len(buf), int64(len(m.data))); err != nil {
		return err
	}
	copy(m.data[pos:pos+int64(len(buf))], buf)
	return nil
}

func (m *MemoryFile) Len() int64 { return int64(len(m.data)) }

func (m *MemoryFile) Commit() error { return nil }

// Bytes exposes the raw backing slice, for tests that need to inspect or
// corrupt the backing behind a layer's back (spec.md §8's Ivfc detection
// scenario does exactly this).
func (m *MemoryFile) Bytes() []byte { return m.data }

// SubFile is an offset-and-length view over a parent BlockDevice, porting
// original_source/libsave3ds/src/sub_file.rs. Crucially, Commit does NOT
// forward to the parent: a SubFile is a pure view, and only the owning
// outer layer decides when the shared backing is committed. This mirrors
// the Rust source exactly (SubFile::commit returns Ok(()) without ever
// touching self.parent).
type SubFile struct {
	parent BlockDevice
	begin  int64
	length int64
}

// NewSubFile returns a view of parent covering [begin, begin+length).
// It returns KindOutOfBound if that range exceeds the parent's length.
func NewSubFile(parent BlockDevice, begin, length int64) (*SubFile, error) {
	if begin < 0 || length < 0 || begin+length > parent.Len() {
		return nil, wrap("new sub file", KindOutOfBound, nil)
	}
	return &SubFile{parent: parent, begin: begin, length: length}, nil
}

func (s *SubFile) Read(pos int64, buf []byte) error {
	if err := checkBound(pos, len(buf), s.length); err != nil {
		return err
	}
	return s.parent.Read(s.begin+pos, buf)
}

func (s *SubFile) Write(pos int64, buf []byte) error {
	if err := checkBound(pos, len(buf), s.length); err != nil {
		return err
	}
	return s.parent.Write(s.begin+pos, buf)
}

func (s *SubFile) Len() int64 { return s.length }

// Commit is intentionally a no-op; see the type doc comment.
func (s *SubFile) Commit() error { return nil }

// alignUp rounds n up to the next multiple of align.
func alignUp(n, align int64) int64 {
	return divideUp(n, align) * align
}
