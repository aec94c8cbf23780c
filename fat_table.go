package save3ds

import "encoding/binary"

// noIndex marks the absence of a block/node index, the Go analogue of
// fat.rs's Option<usize> index fields.
const noIndex int64 = -1

// entry is one 8-byte FAT table slot: two 32-bit halves, each packing a
// 31-bit index and a 1-bit flag, porting fat.rs's bitfields! Entry.
type entry struct {
	uIndex, uFlag uint32
	vIndex, vFlag uint32
}

const entryLen = 8

func packEntryHalf(index uint32, flag uint32) uint32 {
	return (index & 0x7fffffff) | (flag << 31)
}

func unpackEntryHalf(raw uint32) (index, flag uint32) {
	return raw & 0x7fffffff, raw >> 31
}

func readEntry(table BlockDevice, pos int64) (entry, error) {
	var buf [entryLen]byte
	if err := table.Read(pos, buf[:]); err != nil {
		return entry{}, err
	}
	uRaw := binary.LittleEndian.Uint32(buf[0:4])
	vRaw := binary.LittleEndian.Uint32(buf[4:8])
	uIndex, uFlag := unpackEntryHalf(uRaw)
	vIndex, vFlag := unpackEntryHalf(vRaw)
	return entry{uIndex: uIndex, uFlag: uFlag, vIndex: vIndex, vFlag: vFlag}, nil
}

func writeEntry(table BlockDevice, pos int64, e entry) error {
	var buf [entryLen]byte
	binary.LittleEndian.PutUint32(buf[0:4], packEntryHalf(e.uIndex, e.uFlag))
	binary.LittleEndian.PutUint32(buf[4:8], packEntryHalf(e.vIndex, e.vFlag))
	return table.Write(pos, buf[:])
}

func indexBadToGood(raw uint32) int64 {
	if raw == 0 {
		return noIndex
	}
	return int64(raw) - 1
}

func indexGoodToBad(index int64) uint32 {
	if index == noIndex {
		return 0
	}
	return uint32(index + 1)
}

// fatNode is one allocation run: block [index, index+size) with doubly
// linked neighbors by their own start index.
type fatNode struct {
	size       int64
	prev, next int64
}

// blockMap is one block's membership in a run, ported from fat.rs's
// BlockMap. It lets FatFile resolve an arbitrary block back to the node
// it must rewrite when resizing or freeing.
type blockMap struct {
	blockIndex     int64
	nodeStartIndex int64
}

func getNode(table BlockDevice, index int64) (fatNode, error) {
	nodeStart, err := readEntry(table, (index+1)*entryLen)
	if err != nil {
		return fatNode{}, err
	}
	if (nodeStart.uFlag == 1) != (nodeStart.uIndex == 0) {
		return fatNode{}, wrap("fat get node", KindBrokenFat, nil)
	}

	var size int64
	if nodeStart.vFlag == 1 {
		expandStart, err := readEntry(table, (index+2)*entryLen)
		if err != nil {
			return fatNode{}, err
		}
		if expandStart.uFlag == 0 || expandStart.vFlag == 1 || int64(expandStart.uIndex) != index+1 {
			return fatNode{}, wrap("fat get node", KindBrokenFat, nil)
		}
		endI := int64(expandStart.vIndex)
		expandEnd, err := readEntry(table, endI*entryLen)
		if err != nil {
			return fatNode{}, err
		}
		if expandStart != expandEnd {
			return fatNode{}, wrap("fat get node", KindBrokenFat, nil)
		}
		size = int64(expandStart.vIndex-expandStart.uIndex) + 1
	} else {
		size = 1
	}
	return fatNode{
		size: size,
		prev: indexBadToGood(nodeStart.uIndex),
		next: indexBadToGood(nodeStart.vIndex),
	}, nil
}

func setNode(table BlockDevice, index int64, node fatNode) error {
	uFlag := uint32(0)
	if node.prev == noIndex {
		uFlag = 1
	}
	vFlag := uint32(0)
	if node.size != 1 {
		vFlag = 1
	}
	nodeStart := entry{
		uIndex: indexGoodToBad(node.prev),
		uFlag:  uFlag,
		vIndex: indexGoodToBad(node.next),
		vFlag:  vFlag,
	}
	if err := writeEntry(table, (index+1)*entryLen, nodeStart); err != nil {
		return err
	}

	if node.size != 1 {
		expand := entry{
			uIndex: indexGoodToBad(index),
			uFlag:  1,
			vIndex: indexGoodToBad(index + node.size - 1),
			vFlag:  0,
		}
		if err := writeEntry(table, (index+2)*entryLen, expand); err != nil {
			return err
		}
		if err := writeEntry(table, (index+node.size)*entryLen, expand); err != nil {
			return err
		}
	}
	return nil
}

func getHead(table BlockDevice) (int64, error) {
	head, err := readEntry(table, 0)
	if err != nil {
		return noIndex, err
	}
	if head.uIndex != 0 || head.uFlag != 0 || head.vFlag != 0 {
		return noIndex, wrap("fat get head", KindBrokenFat, nil)
	}
	return indexBadToGood(head.vIndex), nil
}

func setHead(table BlockDevice, index int64) error {
	head := entry{
		uIndex: 0,
		uFlag:  0,
		vIndex: indexGoodToBad(index),
		vFlag:  0,
	}
	return writeEntry(table, 0, head)
}

// allocate takes blockCount blocks from the free list. The first
// returned run has prev==noIndex. Precondition: sufficient free blocks.
func allocate(table BlockDevice, blockCount int64) ([]blockMap, error) {
	blockList := make([]blockMap, 0, blockCount)
	cur, err := getHead(table)
	if err != nil {
		return nil, err
	}
	if cur == noIndex {
		return nil, wrap("fat allocate", KindBrokenFat, nil)
	}

	for {
		node, err := getNode(table, cur)
		if err != nil {
			return nil, err
		}
		if node.size <= blockCount {
			for i := cur; i < cur+node.size; i++ {
				blockList = append(blockList, blockMap{blockIndex: i, nodeStartIndex: cur})
			}
			blockCount -= node.size

			if blockCount == 0 {
				if node.next != noIndex {
					nextNode, err := getNode(table, node.next)
					if err != nil {
						return nil, err
					}
					nextNode.prev = noIndex
					if err := setNode(table, node.next, nextNode); err != nil {
						return nil, err
					}
				}
				if err := setHead(table, node.next); err != nil {
					return nil, err
				}
				node.next = noIndex
				if err := setNode(table, cur, node); err != nil {
					return nil, err
				}
				break
			}
			cur = node.next
		} else {
			left := fatNode{size: blockCount, prev: node.prev, next: noIndex}
			right := fatNode{size: node.size - blockCount, prev: noIndex, next: node.next}

			if err := setNode(table, cur, left); err != nil {
				return nil, err
			}
			if err := setNode(table, cur+blockCount, right); err != nil {
				return nil, err
			}

			if node.next != noIndex {
				nextNode, err := getNode(table, node.next)
				if err != nil {
					return nil, err
				}
				if nextNode.prev != cur {
					return nil, wrap("fat allocate", KindBrokenFat, nil)
				}
				nextNode.prev = cur + blockCount
				if err := setNode(table, node.next, nextNode); err != nil {
					return nil, err
				}
			}

			if err := setHead(table, cur+blockCount); err != nil {
				return nil, err
			}

			for i := cur; i < cur+blockCount; i++ {
				blockList = append(blockList, blockMap{blockIndex: i, nodeStartIndex: cur})
			}
			break
		}
	}
	return blockList, nil
}

// free returns blockList to the free list. Precondition: blockList's
// first run has prev==noIndex and forms a single well-formed chain.
func free(table BlockDevice, blockList []blockMap) error {
	lastNodeIndex := blockList[len(blockList)-1].nodeStartIndex
	freeFrontIndex, err := getHead(table)
	if err != nil {
		return err
	}
	if freeFrontIndex != noIndex {
		freeFront, err := getNode(table, freeFrontIndex)
		if err != nil {
			return err
		}
		if freeFront.prev != noIndex {
			return wrap("fat free", KindBrokenFat, nil)
		}
		freeFront.prev = lastNodeIndex
		if err := setNode(table, freeFrontIndex, freeFront); err != nil {
			return err
		}
	}

	lastNode, err := getNode(table, lastNodeIndex)
	if err != nil {
		return err
	}
	if lastNode.next != noIndex {
		return wrap("fat free", KindBrokenFat, nil)
	}
	lastNode.next = freeFrontIndex
	if err := setNode(table, lastNodeIndex, lastNode); err != nil {
		return err
	}
	return setHead(table, blockList[0].blockIndex)
}

func iterateFatEntry(table BlockDevice, firstEntry int64, callback func(cur, size int64)) error {
	curEntry := firstEntry
	prev := noIndex
	for curEntry != noIndex {
		node, err := getNode(table, curEntry)
		if err != nil {
			return err
		}
		if node.prev != prev {
			return wrap("fat iterate", KindBrokenFat, nil)
		}
		callback(curEntry, node.size)
		prev = curEntry
		curEntry = node.next
	}
	return nil
}

// Fat is a file allocation table over a table BlockDevice (one 8-byte
// entry per block plus a head sentinel) and a data BlockDevice holding
// the actual block contents, porting fat.rs (spec.md §4.8).
type Fat struct {
	withLogger
	table      BlockDevice
	data       BlockDevice
	blockLen   int64
	freeBlocks int64
}

// FormatFat initializes table as a single free run covering every block.
func FormatFat(table BlockDevice) error {
	blockCount := table.Len()/entryLen - 1
	if err := setHead(table, 0); err != nil {
		return err
	}
	return setNode(table, 0, fatNode{size: blockCount, prev: noIndex, next: noIndex})
}

// NewFat wires a Fat over table and data, counting the initial free
// blocks by walking the free list once.
func NewFat(table, data BlockDevice, blockLen int64) (*Fat, error) {
	tableLen := table.Len()
	if tableLen%entryLen != 0 {
		return nil, wrap("new fat", KindSizeMismatch, nil)
	}
	blockCount := tableLen/entryLen - 1
	if data.Len() != blockCount*blockLen {
		return nil, wrap("new fat", KindSizeMismatch, nil)
	}

	var freeBlocks int64
	head, err := getHead(table)
	if err != nil {
		return nil, err
	}
	if head != noIndex {
		if err := iterateFatEntry(table, head, func(_, size int64) {
			freeBlocks += size
		}); err != nil {
			return nil, err
		}
	}

	return &Fat{table: table, data: data, blockLen: blockLen, freeBlocks: freeBlocks}, nil
}

// FreeBlocks returns the number of unallocated blocks.
func (f *Fat) FreeBlocks() int64 { return f.freeBlocks }

// FatFile is a handle to one file's block chain within a Fat, supporting
// resize/delete/read/write.
type FatFile struct {
	fat       *Fat
	blockList []blockMap
}

// OpenFatFile reconstructs a handle for the chain starting at firstBlock.
func OpenFatFile(fat *Fat, firstBlock int64) (*FatFile, error) {
	var blockList []blockMap
	err := iterateFatEntry(fat.table, firstBlock, func(nodeStart, size int64) {
		for i := int64(0); i < size; i++ {
			blockList = append(blockList, blockMap{blockIndex: i + nodeStart, nodeStartIndex: nodeStart})
		}
	})
	if err != nil {
		return nil, err
	}
	return &FatFile{fat: fat, blockList: blockList}, nil
}

// CreateFatFile allocates a new blockCount-block file and returns its
// handle plus the block index callers should record to reopen it later.
func CreateFatFile(fat *Fat, blockCount int64) (*FatFile, int64, error) {
	if blockCount == 0 {
		return nil, 0, wrap("create fat file", KindInvalidValue, nil)
	}
	if fat.freeBlocks < blockCount {
		fat.warn("out of space", "wanted", blockCount, "free", fat.freeBlocks)
		return nil, 0, wrap("create fat file", KindNoSpace, nil)
	}
	fat.freeBlocks -= blockCount

	blockList, err := allocate(fat.table, blockCount)
	if err != nil {
		return nil, 0, err
	}
	first := blockList[0].blockIndex
	fat.trace("allocated blocks", "count", blockCount, "first", first)
	return &FatFile{fat: fat, blockList: blockList}, first, nil
}

// Delete releases every block this file holds. The handle must not be
// used afterwards.
func (ff *FatFile) Delete() error {
	if err := free(ff.fat.table, ff.blockList); err != nil {
		return err
	}
	ff.fat.freeBlocks += int64(len(ff.blockList))
	ff.fat.trace("freed blocks", "count", len(ff.blockList))
	return nil
}

// Resize grows or shrinks the file to blockCount blocks, allocating or
// releasing the difference.
func (ff *FatFile) Resize(blockCount int64) error {
	if blockCount == 0 {
		return wrap("fat file resize", KindInvalidValue, nil)
	}
	if blockCount == int64(len(ff.blockList)) {
		return nil
	}
	table := ff.fat.table

	if blockCount > int64(len(ff.blockList)) {
		delta := blockCount - int64(len(ff.blockList))
		if ff.fat.freeBlocks < delta {
			return wrap("fat file resize", KindNoSpace, nil)
		}

		newBlocks, err := allocate(table, delta)
		if err != nil {
			return err
		}

		tailIndex := ff.blockList[len(ff.blockList)-1].nodeStartIndex
		headIndex := newBlocks[0].blockIndex

		tail, err := getNode(table, tailIndex)
		if err != nil {
			return err
		}
		tail.next = headIndex
		if err := setNode(table, tailIndex, tail); err != nil {
			return err
		}

		head, err := getNode(table, headIndex)
		if err != nil {
			return err
		}
		head.prev = tailIndex
		if err := setNode(table, headIndex, head); err != nil {
			return err
		}

		ff.blockList = append(ff.blockList, newBlocks...)
		ff.fat.freeBlocks -= delta
	} else {
		delta := int64(len(ff.blockList)) - blockCount
		head := ff.blockList[blockCount]
		headIndex := head.blockIndex
		if headIndex == head.nodeStartIndex {
			tailIndex := ff.blockList[blockCount-1].nodeStartIndex
			tail, err := getNode(table, tailIndex)
			if err != nil {
				return err
			}
			tail.next = noIndex
			if err := setNode(table, tailIndex, tail); err != nil {
				return err
			}

			headNode, err := getNode(table, headIndex)
			if err != nil {
				return err
			}
			headNode.prev = noIndex
			if err := setNode(table, headIndex, headNode); err != nil {
				return err
			}
		} else {
			tailIndex := head.nodeStartIndex
			for i := blockCount; i < int64(len(ff.blockList)); i++ {
				if ff.blockList[i].nodeStartIndex == tailIndex {
					ff.blockList[i].nodeStartIndex = headIndex
				} else {
					break
				}
			}

			tail, err := getNode(table, tailIndex)
			if err != nil {
				return err
			}
			tailSize := tail.size
			next := tail.next
			tail.size = headIndex - tailIndex
			tail.next = noIndex
			if err := setNode(table, tailIndex, tail); err != nil {
				return err
			}

			if err := setNode(table, headIndex, fatNode{
				prev: noIndex,
				next: next,
				size: tailSize - (headIndex - tailIndex),
			}); err != nil {
				return err
			}

			if next != noIndex {
				nextNode, err := getNode(table, next)
				if err != nil {
					return err
				}
				if nextNode.prev != tailIndex {
					return wrap("fat file resize", KindBrokenFat, nil)
				}
				nextNode.prev = headIndex
				if err := setNode(table, next, nextNode); err != nil {
					return err
				}
			}
		}

		if err := free(table, ff.blockList[blockCount:]); err != nil {
			return err
		}
		ff.blockList = ff.blockList[:blockCount]
		ff.fat.freeBlocks += delta
	}
	return nil
}

func (ff *FatFile) Read(pos int64, buf []byte) error {
	end := pos + int64(len(buf))
	if end > ff.Len() {
		return wrap("fat file read", KindOutOfBound, nil)
	}
	beginBlock := pos / ff.fat.blockLen
	endBlock := divideUp(end, ff.fat.blockLen)
	for i := beginBlock; i < endBlock; i++ {
		dataBeginAsBlock := i * ff.fat.blockLen
		dataEndAsBlock := (i + 1) * ff.fat.blockLen
		dataBegin := max64(dataBeginAsBlock, pos)
		dataEnd := min64(dataEndAsBlock, end)
		blockIndex := ff.blockList[i].blockIndex
		devicePos := blockIndex*ff.fat.blockLen + dataBegin - dataBeginAsBlock
		if err := ff.fat.data.Read(devicePos, buf[dataBegin-pos:dataEnd-pos]); err != nil {
			return err
		}
	}
	return nil
}

func (ff *FatFile) Write(pos int64, buf []byte) error {
	end := pos + int64(len(buf))
	if end > ff.Len() {
		return wrap("fat file write", KindOutOfBound, nil)
	}
	beginBlock := pos / ff.fat.blockLen
	endBlock := divideUp(end, ff.fat.blockLen)
	for i := beginBlock; i < endBlock; i++ {
		dataBeginAsBlock := i * ff.fat.blockLen
		dataEndAsBlock := (i + 1) * ff.fat.blockLen
		dataBegin := max64(dataBeginAsBlock, pos)
		dataEnd := min64(dataEndAsBlock, end)
		blockIndex := ff.blockList[i].blockIndex
		devicePos := blockIndex*ff.fat.blockLen + dataBegin - dataBeginAsBlock
		if err := ff.fat.data.Write(devicePos, buf[dataBegin-pos:dataEnd-pos]); err != nil {
			return err
		}
	}
	return nil
}

func (ff *FatFile) Len() int64 { return int64(len(ff.blockList)) * ff.fat.blockLen }

// Commit is a no-op: a FatFile has no buffered state of its own, and the
// table/data devices it writes through are committed by their owner.
func (ff *FatFile) Commit() error { return nil }
