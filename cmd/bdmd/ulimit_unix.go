// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

//go:build unix

package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Database backends keep many table files open.
var resources = []struct {
	name string
	id   int
	want uint64
}{
	{"nofiles", unix.RLIMIT_NOFILE, 4096},
}

// setUlimits raises soft limits to the hard limits and warns when the
// result is below what bdmd wants.
func setUlimits() error {
	for _, r := range resources {
		var limit unix.Rlimit
		if err := unix.Getrlimit(r.id, &limit); err != nil {
			return fmt.Errorf("get %v: %w", r.name, err)
		}
		if limit.Cur < limit.Max {
			l := unix.Rlimit{Cur: limit.Max, Max: limit.Max}
			if err := unix.Setrlimit(r.id, &l); err != nil {
				return fmt.Errorf("set %v: %w", r.name, err)
			}
			if err := unix.Getrlimit(r.id, &limit); err != nil {
				return fmt.Errorf("get %v: %w", r.name, err)
			}
		}
		if uint64(limit.Cur) < r.want {
			log.Warningf("%v limit %v is below %v", r.name, limit.Cur, r.want)
			continue
		}
		log.Debugf("%-16v: %v", r.name, limit.Cur)
	}
	return nil
}
