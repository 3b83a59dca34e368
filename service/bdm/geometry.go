// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package bdm

import (
	"context"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/hemilabs/bdm/database/bdmd"
)

type NotLinearError string

func (e NotLinearError) Error() string {
	return string(e)
}

func (e NotLinearError) Is(target error) bool {
	_, ok := target.(NotLinearError)
	return ok
}

var ErrNotLinear = NotLinearError("not linear")

type geometryParams struct {
	db bdmd.Database
}

func (g geometryParams) parent(ctx context.Context, bh *bdmd.BlockHeader) (*bdmd.BlockHeader, error) {
	if bh.Height == 0 {
		return nil, NotLinearError(fmt.Sprintf("%v: genesis has no parent", bh))
	}
	p, err := g.db.BlockHeaderByHash(ctx, *bh.ParentHash())
	if err != nil {
		return nil, fmt.Errorf("parent of %v: %w", bh, err)
	}
	return p, nil
}

// findCommonParent walks tip and branch back until they meet and returns the
// common ancestor. It fails with ReorgDepthExceededError when more than
// maxDepth blocks would have to be unwound from tip.
func findCommonParent(ctx context.Context, g geometryParams, tip, branch *bdmd.BlockHeader, maxDepth uint64) (*bdmd.BlockHeader, error) {
	log.Tracef("findCommonParent %v %v", tip, branch)
	defer log.Tracef("findCommonParent exit %v %v", tip, branch)

	var (
		a, b  = tip, branch
		depth uint64
		err   error
	)
	for !a.Hash.IsEqual(&b.Hash) {
		if a.Height >= b.Height {
			if depth >= maxDepth {
				return nil, ReorgDepthExceededError{
					Tip:    tip.Hash,
					Branch: branch.Hash,
					Max:    maxDepth,
				}
			}
			if a, err = g.parent(ctx, a); err != nil {
				return nil, err
			}
			depth++
			continue
		}
		if b, err = g.parent(ctx, b); err != nil {
			return nil, err
		}
	}
	log.Debugf("common parent of %v @ %v and %v @ %v: %v @ %v (depth %v)",
		tip, tip.Height, branch, branch.Height, a, a.Height, depth)
	return a, nil
}

// findPathFromHash returns the headers after ancestor up to and including
// tip, in ascending height order. When ancestor is nil the path starts at
// genesis.
func findPathFromHash(ctx context.Context, g geometryParams, ancestor *chainhash.Hash, tip *bdmd.BlockHeader) ([]*bdmd.BlockHeader, error) {
	log.Tracef("findPathFromHash %v", tip)
	defer log.Tracef("findPathFromHash exit %v", tip)

	path := make([]*bdmd.BlockHeader, 0, 16)
	bh := tip
	for {
		if ancestor != nil && bh.Hash.IsEqual(ancestor) {
			break
		}
		path = append(path, bh)
		if bh.Height == 0 {
			if ancestor != nil {
				return nil, NotLinearError(fmt.Sprintf("%v does not "+
					"descend from %v", tip, ancestor))
			}
			break
		}
		var err error
		if bh, err = g.parent(ctx, bh); err != nil {
			return nil, err
		}
	}
	slices.Reverse(path)
	return path, nil
}
