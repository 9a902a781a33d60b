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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubNDEFReader struct {
	msg *NDEFMessage
	err error
}

func (s *stubNDEFReader) ReadNDEF(context.Context) (*NDEFMessage, error) {
	return s.msg, s.err
}

func TestGetManufacturer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want Manufacturer
		uid  []byte
	}{
		{name: "NXP_7byte", uid: []byte{0x04, 0xD6, 0x94, 0x82, 0x97, 0x6A, 0x80}, want: ManufacturerNXP},
		{name: "ST_4byte", uid: []byte{0x02, 0x11, 0x22, 0x33}, want: ManufacturerST},
		{name: "Infineon", uid: []byte{0x05, 0x11, 0x22, 0x33}, want: ManufacturerInfineon},
		{name: "Texas_Instruments", uid: []byte{0x07, 0x11, 0x22, 0x33}, want: ManufacturerTI},
		{name: "Unknown_Code", uid: []byte{0x88, 0x11, 0x22, 0x33}, want: ManufacturerUnknown},
		{name: "Empty_UID", uid: nil, want: ManufacturerUnknown},
		{
			name: "ISO15693_NXP",
			uid:  []byte{0xE0, 0x04, 0x01, 0x00, 0x12, 0x34, 0x56, 0x78},
			want: ManufacturerNXP,
		},
		{
			name: "ISO15693_ST",
			uid:  []byte{0xE0, 0x02, 0x01, 0x00, 0x12, 0x34, 0x56, 0x78},
			want: ManufacturerST,
		},
		{
			name: "ISO15693_Unknown",
			uid:  []byte{0xE0, 0x99, 0x01, 0x00, 0x12, 0x34, 0x56, 0x78},
			want: ManufacturerUnknown,
		},
		{
			// only full 8-byte UIDs get the E0 marker treatment
			name: "Truncated_ISO15693",
			uid:  []byte{0xE0, 0x04, 0x01, 0x00, 0x12, 0x34, 0x56},
			want: ManufacturerUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, GetManufacturer(tt.uid))
		})
	}
}

func TestIsGenuineNXP(t *testing.T) {
	t.Parallel()

	assert.True(t, IsGenuineNXP([]byte{0x04, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66}))
	assert.True(t, IsGenuineNXP([]byte{0xE0, 0x04, 0x01, 0x00, 0x12, 0x34, 0x56, 0x78}))
	assert.False(t, IsGenuineNXP([]byte{0x02, 0x11, 0x22, 0x33}))
	assert.False(t, IsGenuineNXP(nil))
}

func TestBaseCard_Accessors(t *testing.T) {
	t.Parallel()

	card := &BaseCard{
		cardType: CardTypeMIFARE,
		uid:      []byte{0x04, 0xD6, 0x94, 0x32},
		sak:      0x18,
	}

	assert.Equal(t, CardTypeMIFARE, card.Type())
	assert.Equal(t, "04d69432", card.UID())
	assert.Equal(t, []byte{0x04, 0xD6, 0x94, 0x32}, card.UIDBytes())
	assert.Equal(t, byte(0x18), card.SAK())
	assert.True(t, card.IsMIFARE4K())
	assert.Equal(t, ManufacturerNXP, card.Manufacturer())
	assert.True(t, card.IsGenuine())

	clone := &BaseCard{
		cardType: CardTypeType2,
		uid:      []byte{0x99, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66},
		sak:      0x00,
	}
	assert.False(t, clone.IsMIFARE4K())
	assert.Equal(t, ManufacturerUnknown, clone.Manufacturer())
	assert.False(t, clone.IsGenuine())
}

func TestBaseCard_DefaultOperations(t *testing.T) {
	t.Parallel()

	card := &BaseCard{cardType: CardTypeUnknown, uid: []byte{0x01, 0x02}}
	ctx := context.Background()

	_, err := card.ReadBlock(ctx, 0)
	assert.ErrorIs(t, err, ErrNotImplemented)

	err = card.WriteBlock(ctx, 0, []byte{0x00})
	assert.ErrorIs(t, err, ErrNotImplemented)

	_, err = card.ReadNDEF(ctx)
	assert.ErrorIs(t, err, ErrNotImplemented)

	err = card.WriteNDEF(ctx, textMessage("x"))
	assert.ErrorIs(t, err, ErrNotImplemented)

	// The text helpers ride on the NDEF defaults.
	_, err = card.ReadText(ctx)
	assert.ErrorIs(t, err, ErrNotImplemented)

	err = card.WriteText(ctx, "x")
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestTextFromNDEF(t *testing.T) {
	t.Parallel()

	t.Run("Nil_Message", func(t *testing.T) {
		t.Parallel()

		_, err := textFromNDEF(nil)
		assert.ErrorIs(t, err, ErrNDEFNotFound)
	})

	t.Run("No_Records", func(t *testing.T) {
		t.Parallel()

		_, err := textFromNDEF(&NDEFMessage{})
		assert.ErrorIs(t, err, ErrNDEFNotFound)
	})

	t.Run("No_Text_Record", func(t *testing.T) {
		t.Parallel()

		msg := &NDEFMessage{Records: []NDEFRecord{{Type: NDEFTypeURI, URI: "https://example.com"}}}
		_, err := textFromNDEF(msg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no text record")
	})

	t.Run("Skips_Empty_Text", func(t *testing.T) {
		t.Parallel()

		msg := &NDEFMessage{Records: []NDEFRecord{
			{Type: NDEFTypeText, Text: ""},
			{Type: NDEFTypeText, Text: "second"},
		}}
		text, err := textFromNDEF(msg)
		require.NoError(t, err)
		assert.Equal(t, "second", text)
	})

	t.Run("First_Text_Wins", func(t *testing.T) {
		t.Parallel()

		msg := &NDEFMessage{Records: []NDEFRecord{
			{Type: NDEFTypeURI, URI: "https://example.com"},
			{Type: NDEFTypeText, Text: "hello"},
			{Type: NDEFTypeText, Text: "world"},
		}}
		text, err := textFromNDEF(msg)
		require.NoError(t, err)
		assert.Equal(t, "hello", text)
	})
}

func TestTextMessage(t *testing.T) {
	t.Parallel()

	msg := textMessage("launch")
	require.Len(t, msg.Records, 1)
	assert.Equal(t, NDEFTypeText, msg.Records[0].Type)
	assert.Equal(t, "launch", msg.Records[0].Text)
}

func TestBaseCard_Summary(t *testing.T) {
	t.Parallel()

	card := &BaseCard{cardType: CardTypeMIFARE, uid: []byte{0x04, 0xD6, 0x94, 0x32}}
	assert.Equal(t, "Card: MIFARE, UID: 04d69432", card.Summary())
}

func TestBaseCard_DebugInfo(t *testing.T) {
	t.Parallel()

	card := &BaseCard{
		cardType: CardTypeType2,
		uid:      []byte{0x04, 0xAB, 0xCD},
		sak:      0x08,
	}

	info := card.DebugInfo()
	assert.Contains(t, info, "=== Card Debug Info ===")
	assert.Contains(t, info, "Type: TYPE2")
	assert.Contains(t, info, "UID: 04abcd")
	assert.Contains(t, info, "UID Bytes: 04ABCD")
	assert.Contains(t, info, "SAK: 08")
	assert.Contains(t, info, "NDEF: not supported")
}

func TestBaseCard_DebugInfoWithNDEF(t *testing.T) {
	t.Parallel()

	card := &BaseCard{cardType: CardTypeType2, uid: []byte{0x04, 0xAB, 0xCD}}

	t.Run("With_Records", func(t *testing.T) {
		t.Parallel()

		info := card.DebugInfoWithNDEF(&stubNDEFReader{msg: textMessage("debug")})
		assert.Contains(t, info, "NDEF Records: 1")
		assert.Contains(t, info, "Text='debug'")
	})

	t.Run("Read_Fails", func(t *testing.T) {
		t.Parallel()

		info := card.DebugInfoWithNDEF(&stubNDEFReader{err: ErrNDEFNotFound})
		assert.Contains(t, info, "NDEF:")
		assert.Contains(t, info, ErrNDEFNotFound.Error())
	})
}

func TestDetectedCard(t *testing.T) {
	t.Parallel()

	genuine := &DetectedCard{
		UID:      "04d69482976a80",
		UIDBytes: []byte{0x04, 0xD6, 0x94, 0x82, 0x97, 0x6A, 0x80},
		Type:     CardTypeType2,
		SAK:      0x00,
	}
	assert.Equal(t, ManufacturerNXP, genuine.Manufacturer())
	assert.True(t, genuine.IsGenuine())

	vicinity := &DetectedCard{
		UIDBytes: []byte{0xE0, 0x02, 0x01, 0x00, 0x12, 0x34, 0x56, 0x78},
		Type:     CardTypeISO15693,
	}
	assert.Equal(t, ManufacturerST, vicinity.Manufacturer())
	assert.True(t, vicinity.IsGenuine())

	clone := &DetectedCard{UIDBytes: []byte{0x99, 0x11, 0x22, 0x33}}
	assert.Equal(t, ManufacturerUnknown, clone.Manufacturer())
	assert.False(t, clone.IsGenuine())
}
