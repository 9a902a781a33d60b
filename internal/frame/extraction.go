// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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

package frame

import (
	"fmt"
	"sync"
)

// SplitResponse splits a validated response body into its status code
// and payload. The payload aliases body.
func SplitResponse(body []byte) (status byte, payload []byte, err error) {
	if len(body) == 0 {
		return 0, nil, fmt.Errorf("%w: empty body", ErrTruncated)
	}
	return body[0], body[1:], nil
}

// BufferPool recycles frame-sized read buffers for the serial receive
// path, which otherwise allocates per exchange.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool creates a pool handing out MaxFrameLength buffers.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, MaxFrameLength)
				return &buf
			},
		},
	}
}

// Get returns a buffer of at least MaxFrameLength bytes.
func (p *BufferPool) Get() []byte {
	bufPtr, ok := p.pool.Get().(*[]byte)
	if !ok {
		return make([]byte, MaxFrameLength)
	}
	return (*bufPtr)[:MaxFrameLength]
}

// Put returns a buffer obtained from Get. The buffer is cleared first;
// frames can carry key material.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) < MaxFrameLength {
		return
	}
	buf = buf[:cap(buf)]
	for i := range buf {
		buf[i] = 0
	}
	full := buf[:MaxFrameLength]
	p.pool.Put(&full)
}

var defaultPool = NewBufferPool()

// GetBuffer acquires a frame-sized buffer from the package pool.
func GetBuffer() []byte {
	return defaultPool.Get()
}

// PutBuffer returns a buffer to the package pool.
func PutBuffer(buf []byte) {
	defaultPool.Put(buf)
}
