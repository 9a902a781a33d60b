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

// Checksum XORs every byte of the given slices. A frame's trailing
// byte is the checksum of its length field and body, so recomputing it
// over those regions and comparing tells whether the frame arrived
// intact.
func Checksum(parts ...[]byte) byte {
	var sum byte
	for _, part := range parts {
		for _, b := range part {
			sum ^= b
		}
	}
	return sum
}
