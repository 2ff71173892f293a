// Copyright 2025 The pmfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package obj

import (
	"fmt"
	"unsafe"
)

// Every allocation carries a 16-byte header directly before the body:
// the usable size and, while the chunk sits on the free list, the offset
// of the next free chunk. Object offsets handed to callers point at the
// body. Allocation is first-fit over the free list with a bump fallback;
// freed chunks are not coalesced.
const (
	chunkHdrSize = 16
	allocAlign   = 64
)

type chunkHdr struct {
	Size uint64
	Next uint64
}

func (p *Pool) chunk(body uint64) *chunkHdr {
	return (*chunkHdr)(unsafe.Pointer(&p.data[body-chunkHdrSize]))
}

// UsableSize returns the number of usable bytes of the allocation at off.
// May be larger than the requested size due to alignment.
func (p *Pool) UsableSize(off uint64) uint64 {
	return p.chunk(off).Size
}

func roundUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// alloc carves out an allocation of at least n usable bytes. The returned
// body contents are unspecified; callers that need zeroed storage use
// AllocZeroed variants.
func (p *Pool) alloc(n uint64) (uint64, error) {
	if n == 0 {
		return 0, fmt.Errorf("obj: zero-sized allocation")
	}
	n = roundUp(n, allocAlign)

	p.mu.Lock()
	defer p.mu.Unlock()

	// First fit over the free list.
	var prev uint64
	for cur := p.hdr.FreeHead; cur != 0; cur = p.chunk(cur).Next {
		ch := p.chunk(cur)
		if ch.Size < n {
			prev = cur
			continue
		}

		// Split when the remainder can hold another chunk.
		if ch.Size >= n+chunkHdrSize+allocAlign {
			rest := cur + n + chunkHdrSize
			rch := p.chunk(rest)
			rch.Size = ch.Size - n - chunkHdrSize
			rch.Next = ch.Next
			ch.Size = n
			ch.Next = rest
		}

		if prev == 0 {
			p.hdr.FreeHead = ch.Next
		} else {
			p.chunk(prev).Next = ch.Next
		}
		ch.Next = 0
		return cur, nil
	}

	// Bump allocation off the end of the heap.
	body := p.hdr.HeapTail + chunkHdrSize
	if body+n > p.hdr.PoolSize {
		return 0, fmt.Errorf("obj: out of pool space (%d bytes requested)", n)
	}
	ch := p.chunk(body)
	ch.Size = n
	ch.Next = 0
	p.hdr.HeapTail = body + n
	return body, nil
}

// free returns the allocation at off to the free list.
func (p *Pool) free(off uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := p.chunk(off)
	ch.Next = p.hdr.FreeHead
	p.hdr.FreeHead = off
}

func (p *Pool) checkInvariants() {
	if p.hdr.HeapTail < headerSize || p.hdr.HeapTail > p.hdr.PoolSize {
		panic(fmt.Sprintf("obj: heap tail 0x%x out of bounds", p.hdr.HeapTail))
	}
	for cur := p.hdr.FreeHead; cur != 0; cur = p.chunk(cur).Next {
		if cur < headerSize+chunkHdrSize || cur >= p.hdr.HeapTail {
			panic(fmt.Sprintf("obj: free chunk 0x%x out of bounds", cur))
		}
	}
}
