package save3ds

// Dual is the A/B atomic switch layer, porting
// original_source/libsave3ds/src/dual_file.rs. Reads resolve against the
// side named by selector^modified; the first write after construction or
// commit copies the margins outside the written range from the active
// side to the inactive side so the inactive mirror holds a full updated
// image before the selector ever flips (spec.md §4.2).
type Dual struct {
	withLogger
	selector BlockDevice
	pair     [2]BlockDevice
	modified byte
	size     int64
}

// NewDual builds a Dual over a 1-byte selector device and a pair of
// equal-length data devices.
func NewDual(selector BlockDevice, pair [2]BlockDevice) (*Dual, error) {
	size := pair[0].Len()
	if pair[1].Len() != size {
		return nil, wrap("new dual", KindSizeMismatch, nil)
	}
	if selector.Len() != 1 {
		return nil, wrap("new dual", KindSizeMismatch, nil)
	}
	return &Dual{selector: selector, pair: pair, size: size}, nil
}

func (d *Dual) active() (byte, error) {
	var sel [1]byte
	if err := d.selector.Read(0, sel[:]); err != nil {
		return 0, err
	}
	return sel[0] ^ d.modified, nil
}

func (d *Dual) Read(pos int64, buf []byte) error {
	if pos < 0 || pos+int64(len(buf)) > d.size {
		return wrap("dual read", KindOutOfBound, nil)
	}
	a, err := d.active()
	if err != nil {
		return err
	}
	return d.pair[a].Read(pos, buf)
}

func (d *Dual) Write(pos int64, buf []byte) error {
	end := pos + int64(len(buf))
	if pos < 0 || end > d.size {
		return wrap("dual write", KindOutOfBound, nil)
	}
	var sel [1]byte
	if err := d.selector.Read(0, sel[:]); err != nil {
		return err
	}
	prev := sel[0]
	cur := 1 - prev
	if err := d.pair[cur].Write(pos, buf); err != nil {
		return err
	}
	if d.modified == 0 {
		if pos != 0 {
			edge := make([]byte, pos)
			if err := d.pair[prev].Read(0, edge); err != nil {
				return err
			}
			if err := d.pair[cur].Write(0, edge); err != nil {
				return err
			}
		}
		if end != d.size {
			edge := make([]byte, d.size-end)
			if err := d.pair[prev].Read(end, edge); err != nil {
				return err
			}
			if err := d.pair[cur].Write(end, edge); err != nil {
				return err
			}
		}
		d.modified = 1
		d.trace("copied margins to inactive side", "pos", pos, "end", end)
	}
	return nil
}

func (d *Dual) Len() int64 { return d.size }

// Commit flips the persisted selector byte exactly once per transaction
// and clears the modified flag.
func (d *Dual) Commit() error {
	if d.modified == 1 {
		var sel [1]byte
		if err := d.selector.Read(0, sel[:]); err != nil {
			return err
		}
		sel[0] = 1 - sel[0]
		if err := d.selector.Write(0, sel[:]); err != nil {
			return err
		}
		d.modified = 0
		d.debug("flipped selector", "active", sel[0])
	}
	return nil
}
