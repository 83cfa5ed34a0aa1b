// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package relay

// sanity check the configuration
func init() {
	if chunkSize < 1 {
		panic("chunkSize < 1")
	}
	if MaxReceiverCount < 1 {
		panic("MaxReceiverCount < 1")
	}
	if MaxReceiverCount > 1<<31-1 {
		panic("MaxReceiverCount > 1<<31-1")
	}
}
