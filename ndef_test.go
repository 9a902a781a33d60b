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

package pn5180

import (
	"bytes"
	"context"
	"strings"
	"testing"

	testutil "github.com/ZaparooProject/go-pn5180/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestISO14443ACard_NDEF_RoundTrip(t *testing.T) {
	t.Parallel()

	session, chip := startVirtualSession(t)
	tag := testutil.NewVirtualNTAG213(nil)
	chip.AddTag(tag)

	card, err := session.ConnectISO14443A()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, card.WriteText(ctx, "x"))

	msg, err := card.ReadNDEF(ctx)
	require.NoError(t, err)
	require.Len(t, msg.Records, 1)
	assert.Equal(t, NDEFTypeText, msg.Records[0].Type)
	assert.Equal(t, "x", msg.Records[0].Text)

	// A one-letter text record has a four-byte payload: status byte,
	// "en" language code, one character.
	assert.Equal(t, []byte{0x02, 0x65, 0x6E, 0x78}, msg.Records[0].Payload)

	page4, err := tag.ReadUnit(4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x08, 0xD1, 0x01}, page4)

	text, err := card.ReadText(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", text)
}

func TestISO14443ACard_ReadNDEF_Preloaded(t *testing.T) {
	t.Parallel()

	session, chip := startVirtualSession(t)
	tag := testutil.NewVirtualNTAG213(nil)
	require.NoError(t, tag.SetNDEFText("hello"))
	chip.AddTag(tag)

	card, err := session.ConnectISO14443A()
	require.NoError(t, err)

	text, err := card.ReadText(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestISO14443ACard_ReadNDEF_BlankCard(t *testing.T) {
	t.Parallel()

	session, chip := startVirtualSession(t)
	chip.AddTag(testutil.NewVirtualNTAG213(nil))

	card, err := session.ConnectISO14443A()
	require.NoError(t, err)

	_, err = card.ReadNDEF(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNDEFNotFound)
}

func TestISO14443ACard_ReadNDEF_NoCapabilityContainer(t *testing.T) {
	t.Parallel()

	session, chip := startVirtualSession(t)
	tag := testutil.NewVirtualNTAG213(nil)
	require.NoError(t, tag.WriteUnit(3, make([]byte, 4)))
	chip.AddTag(tag)

	card, err := session.ConnectISO14443A()
	require.NoError(t, err)

	_, err = card.ReadNDEF(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNDEFNotFound)
	assert.Contains(t, err.Error(), "capability container")
}

func TestISO14443ACard_WriteNDEF_ReadOnly(t *testing.T) {
	t.Parallel()

	session, chip := startVirtualSession(t)
	tag := testutil.NewVirtualNTAG213(nil)
	require.NoError(t, tag.WriteUnit(3, []byte{0xE1, 0x10, 0x12, 0xF0}))
	chip.AddTag(tag)

	card, err := session.ConnectISO14443A()
	require.NoError(t, err)

	err = card.WriteText(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCardNotWritable)
}

func TestISO14443ACard_WriteNDEF_TooLarge(t *testing.T) {
	t.Parallel()

	session, chip := startVirtualSession(t)
	chip.AddTag(testutil.NewVirtualNTAG213(nil))

	card, err := session.ConnectISO14443A()
	require.NoError(t, err)

	err = card.WriteText(context.Background(), strings.Repeat("A", 60))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNDEFTooLarge)
}

func TestISO15693Card_NDEF_RoundTrip(t *testing.T) {
	t.Parallel()

	session, chip := startVirtual15693Session(t)
	chip.AddISO15693Tag(testutil.NewVirtualISO15693(nil))

	card, err := session.ConnectISO15693(testutil.TestISO15693UID)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, card.WriteText(ctx, "vicinity"))

	text, err := card.ReadText(ctx)
	require.NoError(t, err)
	assert.Equal(t, "vicinity", text)
}

func TestISO15693Card_ReadNDEF_Preloaded(t *testing.T) {
	t.Parallel()

	session, chip := startVirtual15693Session(t)
	tag := testutil.NewVirtualISO15693(nil)
	require.NoError(t, tag.SetNDEFText("frost"))
	chip.AddISO15693Tag(tag)

	card, err := session.ConnectISO15693(testutil.TestISO15693UID)
	require.NoError(t, err)

	msg, err := card.ReadNDEF(context.Background())
	require.NoError(t, err)
	require.Len(t, msg.Records, 1)
	assert.Equal(t, NDEFTypeText, msg.Records[0].Type)
	assert.Equal(t, "frost", msg.Records[0].Text)
}

func TestBuildParseNDEFMessage_Text(t *testing.T) {
	t.Parallel()

	message := &NDEFMessage{Records: []NDEFRecord{{Type: NDEFTypeText, Text: "round trip"}}}
	raw, err := BuildNDEFMessage(message)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	assert.Equal(t, byte(0x03), raw[0])
	assert.Equal(t, byte(0xFE), raw[len(raw)-1])

	_, payload := locateNDEFTLV(raw, 0, len(raw))
	require.NotNil(t, payload)

	parsed, err := ParseNDEFMessage(payload)
	require.NoError(t, err)
	require.Len(t, parsed.Records, 1)
	assert.Equal(t, NDEFTypeText, parsed.Records[0].Type)
	assert.Equal(t, "round trip", parsed.Records[0].Text)
}

func TestBuildParseNDEFMessage_URI(t *testing.T) {
	t.Parallel()

	message := &NDEFMessage{Records: []NDEFRecord{{Type: NDEFTypeURI, URI: "https://example.com/tag"}}}
	raw, err := BuildNDEFMessage(message)
	require.NoError(t, err)

	_, payload := locateNDEFTLV(raw, 0, len(raw))
	require.NotNil(t, payload)

	parsed, err := ParseNDEFMessage(payload)
	require.NoError(t, err)
	require.Len(t, parsed.Records, 1)
	assert.Equal(t, NDEFTypeURI, parsed.Records[0].Type)
	assert.Equal(t, "https://example.com/tag", parsed.Records[0].URI)
}

func TestBuildNDEFMessage_Invalid(t *testing.T) {
	t.Parallel()

	_, err := BuildNDEFMessage(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNDEFInvalid)

	_, err = BuildNDEFMessage(&NDEFMessage{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNDEFInvalid)

	_, err = BuildNDEFMessage(&NDEFMessage{Records: []NDEFRecord{{Type: NDEFTypeUnknown}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNDEFInvalid)
}

func TestParseNDEFMessage_Invalid(t *testing.T) {
	t.Parallel()

	_, err := ParseNDEFMessage([]byte{0xFF})
	require.Error(t, err)
}

func TestLocateNDEFTLV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		memory  []byte
		want    []byte
		start   int
		wantPos int
	}{
		{
			name:    "Simple",
			memory:  []byte{0x03, 0x02, 0xAA, 0xBB, 0xFE},
			wantPos: 2,
			want:    []byte{0xAA, 0xBB},
		},
		{
			name:    "Null_Padding",
			memory:  []byte{0x00, 0x00, 0x03, 0x01, 0xCC, 0xFE},
			wantPos: 4,
			want:    []byte{0xCC},
		},
		{
			name:   "Terminator_First",
			memory: []byte{0xFE, 0x03, 0x01, 0xAA},
		},
		{
			name:    "Skips_Foreign_TLV",
			memory:  []byte{0x01, 0x02, 0x11, 0x22, 0x03, 0x01, 0xDD, 0xFE},
			wantPos: 6,
			want:    []byte{0xDD},
		},
		{
			name:   "Length_Overruns_Area",
			memory: []byte{0x03, 0x05, 0xAA},
		},
		{
			name:   "All_Zeros",
			memory: make([]byte, 8),
		},
		{
			name:    "Start_Offset",
			memory:  []byte{0x99, 0x99, 0x03, 0x01, 0xEE, 0xFE},
			start:   2,
			wantPos: 4,
			want:    []byte{0xEE},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pos, payload := locateNDEFTLV(tt.memory, tt.start, len(tt.memory))
			if tt.want == nil {
				assert.Nil(t, payload)
				return
			}
			assert.Equal(t, tt.wantPos, pos)
			assert.Equal(t, tt.want, payload)
		})
	}
}

func TestLocateNDEFTLV_LongLength(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0x5A}, 260)
	memory := append([]byte{0x03, 0xFF, 0x01, 0x04}, payload...)
	memory = append(memory, 0xFE)

	pos, got := locateNDEFTLV(memory, 0, len(memory))
	assert.Equal(t, 4, pos)
	assert.Equal(t, payload, got)
}

func TestWrapNDEFTLV(t *testing.T) {
	t.Parallel()

	out, err := wrapNDEFTLV([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x03, 0x01, 0x02, 0x03, 0xFE}, out)

	out, err = wrapNDEFTLV(make([]byte, 300))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0xFF, 0x01, 0x2C}, out[:4])
	assert.Len(t, out, 305)
	assert.Equal(t, byte(0xFE), out[len(out)-1])

	_, err = wrapNDEFTLV(make([]byte, 0x10000))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNDEFTooLarge)
}

func TestDecodeType2CC(t *testing.T) {
	t.Parallel()

	cc := decodeType2CC([]byte{0xE1, 0x10, 0x12, 0x00})
	require.NotNil(t, cc)
	assert.Equal(t, byte(1), cc.MajorVersion)
	assert.Equal(t, byte(0), cc.MinorVersion)
	assert.Equal(t, 72, cc.DataAreaSize)
	assert.False(t, cc.ReadOnly)

	cc = decodeType2CC([]byte{0xE1, 0x12, 0x3E, 0xF0})
	require.NotNil(t, cc)
	assert.Equal(t, byte(1), cc.MajorVersion)
	assert.Equal(t, byte(2), cc.MinorVersion)
	assert.Equal(t, 248, cc.DataAreaSize)
	assert.True(t, cc.ReadOnly)

	assert.Nil(t, decodeType2CC([]byte{0x00, 0x10, 0x12, 0x00}))
	assert.Nil(t, decodeType2CC([]byte{0xE1, 0x10}))
}

func TestDecodeISO15693CC(t *testing.T) {
	t.Parallel()

	cc := decodeISO15693CC([]byte{0xE1, 0x40, 0x0F, 0x00})
	require.NotNil(t, cc)
	assert.Equal(t, byte(4), cc.MajorVersion)
	assert.Equal(t, 128, cc.DataAreaSize)
	assert.False(t, cc.ReadOnly)

	cc = decodeISO15693CC([]byte{0xE1, 0x40, 0x0F, 0x01})
	require.NotNil(t, cc)
	assert.True(t, cc.ReadOnly)

	assert.Nil(t, decodeISO15693CC([]byte{0xE2, 0x40, 0x0F, 0x00}))
}
