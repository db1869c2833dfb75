package processor

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/nci/gomemcache/memcache"
)

// FeatureCache keeps reduced rows of trees across runs.
type FeatureCache interface {
	Get(key string) (row []float64, valid []int, ok bool)
	Set(key string, row []float64, valid []int)
}

// FeatureKey identifies the reduction of one tree. Any change to the tree
// geometry or to the extraction parameters yields a different key.
func FeatureKey(tileID string, tree *TreeRecord, opts CropOptions, set StatSet) string {
	desc := fmt.Sprintf("%s|%s|%v|%d|%v|%v|%v|%s|%v,%v,%v",
		tileID, tree.TreeID, opts.Extraction, opts.WindowRadius, opts.Mask, set, opts.Bands,
		string(tree.CrownJSON), tree.HasApex, tree.ApexX, tree.ApexY)
	buff := md5.Sum([]byte(desc))
	return hex.EncodeToString(buff[:])
}

// MemcacheFeatureCache stores rows in memcached. Cache errors are treated
// as misses.
type MemcacheFeatureCache struct {
	mc *memcache.Client
}

// NewMemcacheFeatureCache connects lazily to the given host:port list.
func NewMemcacheFeatureCache(servers ...string) *MemcacheFeatureCache {
	return &MemcacheFeatureCache{mc: memcache.New(servers...)}
}

func (c *MemcacheFeatureCache) Get(key string) ([]float64, []int, bool) {
	item, err := c.mc.Get(key)
	if err != nil {
		return nil, nil, false
	}
	row, valid, err := decodeFeatures(item.Value)
	if err != nil {
		return nil, nil, false
	}
	return row, valid, true
}

func (c *MemcacheFeatureCache) Set(key string, row []float64, valid []int) {
	// memcached may evict at will so a failed store is not an error
	c.mc.Set(&memcache.Item{Key: key, Value: encodeFeatures(row, valid)})
}

// encodeFeatures lays out the valid counts then the row, little endian.
func encodeFeatures(row []float64, valid []int) []byte {
	buf := make([]byte, 4+4*len(valid)+8*len(row))
	binary.LittleEndian.PutUint32(buf, uint32(len(valid)))
	off := 4
	for _, v := range valid {
		binary.LittleEndian.PutUint32(buf[off:], uint32(v))
		off += 4
	}
	for _, v := range row {
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
		off += 8
	}
	return buf
}

func decodeFeatures(buf []byte) ([]float64, []int, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("short cache entry")
	}
	nv := int(binary.LittleEndian.Uint32(buf))
	off := 4 + 4*nv
	if off > len(buf) || (len(buf)-off)%8 != 0 {
		return nil, nil, fmt.Errorf("corrupt cache entry of %d bytes", len(buf))
	}
	valid := make([]int, nv)
	for i := range valid {
		valid[i] = int(binary.LittleEndian.Uint32(buf[4+4*i:]))
	}
	row := make([]float64, (len(buf)-off)/8)
	for i := range row {
		row[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[off+8*i:]))
	}
	return row, valid, nil
}
