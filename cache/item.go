package cache

import (
	"fmt"

	"github.com/skipor/tcached/recycle"
)

// Item is an L1-resident entry. CreatedAt is the unix second of the
// write, which the coordinator compares against the flush epoch; the
// eviction strategies keep their recency/frequency data on the node.
type Item struct {
	ItemMeta
	Data *recycle.Data
}

type ItemMeta struct {
	Key        string
	Flags      uint32
	Cas        uint64
	Exptime    int64
	Bytes      int
	CreatedAt  int64
}

func (m ItemMeta) expired(now int64) bool {
	return m.Exptime != 0 && m.Exptime <= now
}

func (i Item) NewView() ItemView {
	return ItemView{
		i.ItemMeta,
		i.Data.NewReader(),
	}
}

type ItemView struct {
	ItemMeta
	Reader *recycle.DataReader
}

func (i Item) GoString() string {
	return fmt.Sprintf("%#v, Data:%#v}", i.ItemMeta, i.Data)
}
