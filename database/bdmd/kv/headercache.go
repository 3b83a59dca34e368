// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package kv

import (
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hemilabs/bdm/database/bdmd"
)

type CacheStats struct {
	Hits   int
	Misses int
	Purges int
	Size   int
}

// headerCache caches decoded header records. Entries are copies so that
// callers may not mutate cached state.
type headerCache struct {
	c *lru.Cache[chainhash.Hash, *bdmd.BlockHeader]

	hits   atomic.Int64
	misses atomic.Int64
	purges atomic.Int64
}

func headerCacheNew(count int) (*headerCache, error) {
	if count <= 0 {
		return nil, fmt.Errorf("invalid header cache count: %v", count)
	}
	c, err := lru.New[chainhash.Hash, *bdmd.BlockHeader](count)
	if err != nil {
		return nil, err
	}
	return &headerCache{c: c}, nil
}

func headerCopy(bh *bdmd.BlockHeader) *bdmd.BlockHeader {
	c := &bdmd.BlockHeader{
		Hash:   bh.Hash,
		Height: bh.Height,
		Header: bh.Header,
		Valid:  bh.Valid,
		Seen:   bh.Seen,
	}
	c.Difficulty.Set(&bh.Difficulty)
	return c
}

func (hc *headerCache) Put(bh *bdmd.BlockHeader) {
	hc.c.Add(bh.Hash, headerCopy(bh))
}

func (hc *headerCache) Get(hash chainhash.Hash) (*bdmd.BlockHeader, bool) {
	bh, ok := hc.c.Get(hash)
	if !ok {
		hc.misses.Add(1)
		return nil, false
	}
	hc.hits.Add(1)
	return headerCopy(bh), true
}

func (hc *headerCache) Remove(hash chainhash.Hash) {
	hc.c.Remove(hash)
}

func (hc *headerCache) Purge() {
	hc.purges.Add(1)
	hc.c.Purge()
}

func (hc *headerCache) Stats() CacheStats {
	return CacheStats{
		Hits:   int(hc.hits.Load()),
		Misses: int(hc.misses.Load()),
		Purges: int(hc.purges.Load()),
		Size:   hc.c.Len(),
	}
}
