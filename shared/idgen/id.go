package idgen

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"runtime"
	"sync"
	"time"
)

var (
	maxValueInt32 = int32(0x7fffffff)

	ErrClockBackward = errors.New("clock backward")
	ErrIdLength      = errors.New("raw id length is not 16")
)

const (
	startTimeMillis int64 = 1521639000000 // 20180321213000
)

// IdType is ordered by generation time first, so ids of one generator sort by arrival.
type IdType [2]int64

func (i IdType) CompareTo(id2 IdType) int {
	switch {
	case i[0] > id2[0]:
		return 1
	case i[0] < id2[0]:
		return -1
	case i[1] > id2[1]:
		return 1
	case i[1] < id2[1]:
		return -1
	default:
		return 0
	}
}

func (i IdType) IsZero() bool {
	return i[0] == 0 && i[1] == 0
}

// Bytes is the big-endian form, byte-wise ordered like CompareTo for non-negative ids.
func (i IdType) Bytes() []byte {
	data := make([]byte, 16)
	binary.BigEndian.PutUint64(data[0:8], uint64(i[0]))
	binary.BigEndian.PutUint64(data[8:16], uint64(i[1]))
	return data
}

func (i IdType) HexString() string {
	return hex.EncodeToString(i.Bytes())
}

func (i IdType) String() string {
	return i.HexString()
}

func FromBytes(b []byte) (IdType, error) {
	if len(b) != 16 {
		return IdType{}, ErrIdLength
	}
	r := IdType{}
	r[0] = int64(binary.BigEndian.Uint64(b[0:8]))
	r[1] = int64(binary.BigEndian.Uint64(b[8:16]))
	return r, nil
}

func FromHexString(str string) (IdType, error) {
	b, err := hex.DecodeString(str)
	if err != nil {
		return IdType{}, err
	}
	return FromBytes(b)
}

type IdGen struct {
	lock sync.Mutex

	time int64
	seq  int32

	nodeIdMask    int64
	elementIdMask int64
}

// NewIdGen creates ID Generator
// Format of Id: 48 bits time + 16 bits nodeId + 32 bits elementId + 32 bits inc
func NewIdGen(nodeId int16, elementId int32) *IdGen {
	return &IdGen{
		nodeIdMask:    int64(nodeId) & 0x000000000000FFFF,
		elementIdMask: (int64(elementId) & 0x00000000FFFFFFFF) << 32,
	}
}

func (id *IdGen) getTimeMillis() int64 {
	return time.Now().UnixMilli() & 0x7fffffffffffffff
}

func (id *IdGen) Next() (IdType, error) {
	timeInMills := id.getTimeMillis()
	id.lock.Lock()
	defer id.lock.Unlock()

	switch {
	case timeInMills > id.time:
		id.time = timeInMills
		id.seq = 0
	case timeInMills == id.time:
		if id.seq < maxValueInt32 {
			id.seq++
		} else {
			// sequence exhausted, wait until next millisecond
			id.time = id.tillNextMillisecond(timeInMills)
			id.seq = 0
		}
	default:
		return IdType{}, ErrClockBackward
	}
	return makeId(id.time, id.nodeIdMask, id.elementIdMask, id.seq), nil
}

func makeId(time, nodeIdMask int64, elementId int64, seq int32) IdType {
	l := elementId | (int64(seq) & 0x00000000ffffffff)
	return [2]int64{((time - startTimeMillis) << 16) | nodeIdMask, l}
}

func (id *IdGen) tillNextMillisecond(time int64) int64 {
	for {
		newtime := id.getTimeMillis()
		if newtime > time {
			return newtime
		}
		runtime.Gosched()
	}
}
