// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package bdm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/fsnotify/fsnotify"

	"github.com/hemilabs/bdm/database/bdmd"
)

// BlockSource produces raw blocks. Next returns io.EOF when no more blocks
// are available.
type BlockSource interface {
	Next(ctx context.Context) ([]byte, error)
}

const (
	blockFilePattern = "blk*.dat"
	recordHeaderSize = 8 // magic + little endian size

	defaultBlockFilePoll = 5 * time.Second
)

var errNoRecord = errors.New("no complete record")

// blockFileSource reads blocks from blk*.dat files in name order. Records
// are network magic, size and the serialized block. Files may still be
// growing; with follow set Next waits for more data instead of returning
// io.EOF.
type blockFileSource struct {
	dir   string
	magic [4]byte

	follow atomic.Bool
	poll   time.Duration

	files  []string
	idx    int
	offset int64
	f      *os.File

	watcher *fsnotify.Watcher
	change  chan struct{}
	done    chan struct{}
}

func newBlockFileSource(dir string, net wire.BitcoinNet, follow bool) (*blockFileSource, error) {
	log.Tracef("newBlockFileSource %v", dir)
	defer log.Tracef("newBlockFileSource exit %v", dir)

	dir, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("not a directory: %v", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %v: %w", dir, err)
	}

	bs := &blockFileSource{
		dir:     dir,
		poll:    defaultBlockFilePoll,
		watcher: watcher,
		change:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	binary.LittleEndian.PutUint32(bs.magic[:], uint32(net))
	bs.follow.Store(follow)

	go bs.watch()

	return bs, nil
}

func (bs *blockFileSource) watch() {
	for {
		select {
		case <-bs.done:
			return
		case event, ok := <-bs.watcher.Events:
			if !ok {
				return
			}
			if !watcherEventBlockFile(event) {
				continue
			}
			// Coalesce, Next rereads the files anyway.
			select {
			case bs.change <- struct{}{}:
			default:
			}
		case err, ok := <-bs.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("block file watcher: %v", err)
		}
	}
}

func watcherEventBlockFile(event fsnotify.Event) bool {
	if ok, _ := filepath.Match(blockFilePattern, filepath.Base(event.Name)); !ok {
		return false
	}
	return event.Op&fsnotify.Write == fsnotify.Write ||
		event.Op&fsnotify.Create == fsnotify.Create
}

// SetFollow toggles waiting for more data at the end of the last file.
func (bs *blockFileSource) SetFollow(follow bool) {
	bs.follow.Store(follow)
}

func (bs *blockFileSource) Close() error {
	close(bs.done)
	err := bs.watcher.Close()
	if bs.f != nil {
		if cerr := bs.f.Close(); err == nil {
			err = cerr
		}
		bs.f = nil
	}
	return err
}

// scan refreshes the sorted list of block files.
func (bs *blockFileSource) scan() error {
	files, err := filepath.Glob(filepath.Join(bs.dir, blockFilePattern))
	if err != nil {
		return err
	}
	slices.Sort(files)
	bs.files = files
	return nil
}

// open makes sure the current file is open. It returns false when there is
// no current file yet.
func (bs *blockFileSource) open() (bool, error) {
	if bs.f != nil {
		return true, nil
	}
	if bs.idx >= len(bs.files) {
		if err := bs.scan(); err != nil {
			return false, err
		}
		if bs.idx >= len(bs.files) {
			return false, nil
		}
	}
	f, err := os.Open(bs.files[bs.idx])
	if err != nil {
		return false, err
	}
	log.Debugf("reading block file %v", bs.files[bs.idx])
	bs.f = f
	bs.offset = 0
	return true, nil
}

// advance moves to the next file if one exists.
func (bs *blockFileSource) advance() (bool, error) {
	if err := bs.scan(); err != nil {
		return false, err
	}
	if bs.idx+1 >= len(bs.files) {
		return false, nil
	}
	if bs.f != nil {
		if err := bs.f.Close(); err != nil {
			return false, err
		}
		bs.f = nil
	}
	bs.idx++
	return true, nil
}

// record reads the record at the current offset. It returns errNoRecord when
// the file does not contain a complete record there yet. Zero bytes mark
// preallocated space that has not been written to.
func (bs *blockFileSource) record() ([]byte, error) {
	var hdr [recordHeaderSize]byte
	for {
		n, err := bs.f.ReadAt(hdr[:], bs.offset)
		if n < len(hdr) {
			if err == nil || errors.Is(err, io.EOF) {
				return nil, errNoRecord
			}
			return nil, err
		}
		if hdr[0] == 0 && hdr[1] == 0 && hdr[2] == 0 && hdr[3] == 0 {
			return nil, errNoRecord
		}
		size := binary.LittleEndian.Uint32(hdr[4:])
		if [4]byte(hdr[:4]) != bs.magic || size > wire.MaxBlockPayload {
			// Resynchronize on the next magic.
			bs.offset++
			continue
		}
		raw := make([]byte, size)
		n, err = bs.f.ReadAt(raw, bs.offset+recordHeaderSize)
		if n < len(raw) {
			if err == nil || errors.Is(err, io.EOF) {
				// Partial write, wait for the rest.
				return nil, errNoRecord
			}
			return nil, err
		}
		bs.offset += recordHeaderSize + int64(size)
		return raw, nil
	}
}

func (bs *blockFileSource) wait(ctx context.Context) error {
	timer := time.NewTimer(bs.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-bs.change:
	case <-timer.C:
	}
	return nil
}

func (bs *blockFileSource) Next(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := bs.open()
		if err != nil {
			return nil, err
		}
		if ok {
			raw, err := bs.record()
			if err == nil {
				return raw, nil
			}
			if !errors.Is(err, errNoRecord) {
				return nil, fmt.Errorf("%v: %w", bs.files[bs.idx], err)
			}
			more, err := bs.advance()
			if err != nil {
				return nil, err
			}
			if more {
				continue
			}
		}
		if !bs.follow.Load() {
			return nil, io.EOF
		}
		if err := bs.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// storedBlockSource replays retained blocks along a path of headers.
type storedBlockSource struct {
	db   bdmd.Database
	path []*bdmd.BlockHeader
	i    int
}

func (s *storedBlockSource) Next(ctx context.Context) ([]byte, error) {
	if s.i >= len(s.path) {
		return nil, io.EOF
	}
	b, err := s.db.BlockByHash(ctx, s.path[s.i].Hash)
	if err != nil {
		return nil, err
	}
	s.i++
	return b.Bytes()
}
