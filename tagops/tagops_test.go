//nolint:paralleltest // Tests share one virtual front-end per case
package tagops

import (
	"context"
	"testing"
	"time"

	"github.com/ZaparooProject/go-pn5180"
	testutil "github.com/ZaparooProject/go-pn5180/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type virtualTransport struct {
	*testutil.VirtualPN5180
}

func (*virtualTransport) Type() pn5180.TransportType { return pn5180.TransportMock }

func createVirtualDevice(t *testing.T) (*pn5180.Device, *testutil.VirtualPN5180) {
	t.Helper()
	chip := testutil.NewVirtualPN5180()
	device, err := pn5180.New(&virtualTransport{chip},
		pn5180.WithTimeout(25*time.Millisecond),
		pn5180.WithIRQPollInterval(time.Millisecond))
	require.NoError(t, err)
	return device, chip
}

// --- Scan ---

func TestScan_Type2(t *testing.T) {
	device, chip := createVirtualDevice(t)
	chip.AddTag(testutil.NewVirtualNTAG213(nil))

	ops := New(device)
	card, err := ops.Scan(context.Background())
	require.NoError(t, err)
	require.NotNil(t, card)

	assert.Equal(t, pn5180.CardTypeType2, card.Type())
	assert.Equal(t, "04123456789abc", card.UID())
	assert.Equal(t, card, ops.Card())
	assert.Equal(t, testutil.TestNTAG213UID, ops.UID())

	// The session stays open for card access until Close.
	assert.True(t, chip.FieldOn())

	require.NoError(t, ops.Close())
	assert.False(t, chip.FieldOn())
	assert.Equal(t, chip.RFOnCount(), chip.RFOffCount())
	assert.Nil(t, ops.Card())
}

func TestScan_MIFARE(t *testing.T) {
	device, chip := createVirtualDevice(t)
	chip.AddTag(testutil.NewVirtualMIFARE1K(nil))

	ops := New(device)
	card, err := ops.Scan(context.Background())
	require.NoError(t, err)
	defer func() { _ = ops.Close() }()

	assert.Equal(t, pn5180.CardTypeMIFARE, card.Type())
	assert.Equal(t, "deadbeef", card.UID())
}

func TestScan_ISO15693(t *testing.T) {
	device, chip := createVirtualDevice(t)
	chip.AddISO15693Tag(testutil.NewVirtualISO15693(nil))

	ops := New(device)
	card, err := ops.Scan(context.Background())
	require.NoError(t, err)
	defer func() { _ = ops.Close() }()

	assert.Equal(t, pn5180.CardTypeISO15693, card.Type())
	assert.Equal(t, "e004010012345678", card.UID())
	assert.Equal(t, byte(0xE0), card.UIDBytes()[0])
}

func TestScan_NoCard(t *testing.T) {
	device, chip := createVirtualDevice(t)

	ops := New(device)
	card, err := ops.Scan(context.Background())
	require.ErrorIs(t, err, ErrNoCard)
	assert.Nil(t, card)

	// No card found means no session is left open.
	assert.False(t, chip.FieldOn())
	assert.Equal(t, chip.RFOnCount(), chip.RFOffCount())
	assert.Nil(t, ops.Card())
}

func TestScan_ReplacesPreviousCard(t *testing.T) {
	device, chip := createVirtualDevice(t)
	chip.AddTag(testutil.NewVirtualNTAG213(nil))

	ops := New(device)
	first, err := ops.Scan(context.Background())
	require.NoError(t, err)

	chip.SetTag(testutil.NewVirtualMIFARE1K(nil))
	second, err := ops.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "04123456789abc", first.UID())
	assert.Equal(t, "deadbeef", second.UID())
	assert.Equal(t, second, ops.Card())

	require.NoError(t, ops.Close())
	assert.Equal(t, chip.RFOnCount(), chip.RFOffCount())
}

func TestScan_SkipsEmptyProfile(t *testing.T) {
	device, chip := createVirtualDevice(t)
	// Nothing on ISO14443-A; the walk continues to the inventory
	// profile and finds the vicinity card there.
	chip.AddISO15693Tag(testutil.NewVirtualISO15693(nil))

	ops := New(device)
	card, err := ops.Scan(context.Background())
	require.NoError(t, err)
	defer func() { _ = ops.Close() }()

	assert.Equal(t, pn5180.CardTypeISO15693, card.Type())
	// One load for the first profile, one for the switch.
	assert.Equal(t, 2, chip.GetCommandCount(pn5180.CmdLoadRFConfig))
}

func TestOperationsBeforeScan(t *testing.T) {
	device, _ := createVirtualDevice(t)
	ops := New(device)
	ctx := context.Background()

	_, err := ops.ReadNDEF(ctx)
	assert.ErrorIs(t, err, ErrNotScanned)

	_, err = ops.ReadText(ctx)
	assert.ErrorIs(t, err, ErrNotScanned)

	err = ops.WriteNDEF(ctx, &pn5180.NDEFMessage{})
	assert.ErrorIs(t, err, ErrNotScanned)

	err = ops.WriteText(ctx, "data")
	assert.ErrorIs(t, err, ErrNotScanned)

	_, err = ops.DumpMemory(ctx)
	assert.ErrorIs(t, err, ErrNotScanned)

	_, err = ops.Info(ctx)
	assert.ErrorIs(t, err, ErrNotScanned)

	assert.False(t, ops.IsNDEFCapable(ctx))
	assert.Nil(t, ops.UID())
	require.NoError(t, ops.Close())
}

// --- NDEF ---

func TestReadNDEF_Type2(t *testing.T) {
	device, chip := createVirtualDevice(t)
	tag := testutil.NewVirtualNTAG213(nil)
	require.NoError(t, tag.SetNDEFText("hello"))
	chip.AddTag(tag)

	ops := New(device)
	_, err := ops.Scan(context.Background())
	require.NoError(t, err)
	defer func() { _ = ops.Close() }()

	msg, err := ops.ReadNDEF(context.Background())
	require.NoError(t, err)
	require.Len(t, msg.Records, 1)
	assert.Equal(t, pn5180.NDEFTypeText, msg.Records[0].Type)
	assert.Equal(t, "hello", msg.Records[0].Text)

	text, err := ops.ReadText(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestReadNDEF_ISO15693(t *testing.T) {
	device, chip := createVirtualDevice(t)
	tag := testutil.NewVirtualISO15693(nil)
	require.NoError(t, tag.SetNDEFText("vicinity"))
	chip.AddISO15693Tag(tag)

	ops := New(device)
	_, err := ops.Scan(context.Background())
	require.NoError(t, err)
	defer func() { _ = ops.Close() }()

	text, err := ops.ReadText(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "vicinity", text)
}

func TestWriteNDEF_RoundTrip(t *testing.T) {
	device, chip := createVirtualDevice(t)
	chip.AddTag(testutil.NewVirtualNTAG213(nil))

	ops := New(device)
	_, err := ops.Scan(context.Background())
	require.NoError(t, err)
	defer func() { _ = ops.Close() }()

	msg := &pn5180.NDEFMessage{
		Records: []pn5180.NDEFRecord{
			{Type: pn5180.NDEFTypeText, Text: "zaparoo"},
		},
	}
	require.NoError(t, ops.WriteNDEF(context.Background(), msg))

	got, err := ops.ReadNDEF(context.Background())
	require.NoError(t, err)
	require.Len(t, got.Records, 1)
	assert.Equal(t, "zaparoo", got.Records[0].Text)
}

func TestWriteText_RoundTrip(t *testing.T) {
	device, chip := createVirtualDevice(t)
	tag := testutil.NewVirtualISO15693(nil)
	chip.AddISO15693Tag(tag)

	ops := New(device)
	_, err := ops.Scan(context.Background())
	require.NoError(t, err)
	defer func() { _ = ops.Close() }()

	require.NoError(t, ops.WriteText(context.Background(), "updated"))

	text, err := ops.ReadText(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "updated", text)
}

// --- Info ---

func TestInfo(t *testing.T) {
	t.Run("Type2", func(t *testing.T) {
		device, chip := createVirtualDevice(t)
		chip.AddTag(testutil.NewVirtualNTAG213(nil))

		ops := New(device)
		_, err := ops.Scan(context.Background())
		require.NoError(t, err)
		defer func() { _ = ops.Close() }()

		info, err := ops.Info(context.Background())
		require.NoError(t, err)
		assert.Equal(t, type2CardName, info.TypeName)
		assert.Equal(t, "04123456789abc", info.UID)
		assert.Equal(t, pn5180.ManufacturerNXP, info.Manufacturer)
		assert.Equal(t, 4, info.BlockSize)
		// The capability container announces an 0x12 size byte.
		assert.Equal(t, 72, info.TotalMemory)
	})

	t.Run("Classic", func(t *testing.T) {
		device, chip := createVirtualDevice(t)
		chip.AddTag(testutil.NewVirtualMIFARE1K(nil))

		ops := New(device)
		_, err := ops.Scan(context.Background())
		require.NoError(t, err)
		defer func() { _ = ops.Close() }()

		info, err := ops.Info(context.Background())
		require.NoError(t, err)
		assert.Equal(t, mifareClassicName, info.TypeName)
		assert.Equal(t, 16, info.BlockSize)
		assert.Equal(t, 1024, info.TotalMemory)
	})

	t.Run("ISO15693", func(t *testing.T) {
		device, chip := createVirtualDevice(t)
		chip.AddISO15693Tag(testutil.NewVirtualISO15693(nil))

		ops := New(device)
		_, err := ops.Scan(context.Background())
		require.NoError(t, err)
		defer func() { _ = ops.Close() }()

		info, err := ops.Info(context.Background())
		require.NoError(t, err)
		assert.Equal(t, iso15693CardName, info.TypeName)
		assert.Equal(t, pn5180.ManufacturerNXP, info.Manufacturer)
		assert.Equal(t, 4, info.BlockSize)
		assert.Equal(t, 128, info.TotalMemory)
	})
}

func TestIsNDEFCapable(t *testing.T) {
	t.Run("Type2WithCC", func(t *testing.T) {
		device, chip := createVirtualDevice(t)
		chip.AddTag(testutil.NewVirtualNTAG213(nil))

		ops := New(device)
		_, err := ops.Scan(context.Background())
		require.NoError(t, err)
		defer func() { _ = ops.Close() }()

		assert.True(t, ops.IsNDEFCapable(context.Background()))
	})

	t.Run("Classic", func(t *testing.T) {
		device, chip := createVirtualDevice(t)
		chip.AddTag(testutil.NewVirtualMIFARE1K(nil))

		ops := New(device)
		_, err := ops.Scan(context.Background())
		require.NoError(t, err)
		defer func() { _ = ops.Close() }()

		assert.False(t, ops.IsNDEFCapable(context.Background()))
	})

	t.Run("ISO15693WithCC", func(t *testing.T) {
		device, chip := createVirtualDevice(t)
		chip.AddISO15693Tag(testutil.NewVirtualISO15693(nil))

		ops := New(device)
		_, err := ops.Scan(context.Background())
		require.NoError(t, err)
		defer func() { _ = ops.Close() }()

		assert.True(t, ops.IsNDEFCapable(context.Background()))
	})
}

// --- DumpMemory ---

func TestDumpMemory_Type2(t *testing.T) {
	device, chip := createVirtualDevice(t)
	chip.AddTag(testutil.NewVirtualNTAG213(nil))

	ops := New(device)
	_, err := ops.Scan(context.Background())
	require.NoError(t, err)
	defer func() { _ = ops.Close() }()

	dump, err := ops.DumpMemory(context.Background())
	require.NoError(t, err)

	// 45 pages, read in 16-byte chunks: 48 pages of data.
	assert.Len(t, dump, 192)
	assert.Equal(t, testutil.TestNTAG213UID[:4], dump[:4])
	assert.Equal(t, byte(ccMagic), dump[12])
}

func TestDumpMemory_Classic(t *testing.T) {
	device, chip := createVirtualDevice(t)
	chip.AddTag(testutil.NewVirtualMIFARE1K(nil))

	ops := New(device)
	_, err := ops.Scan(context.Background())
	require.NoError(t, err)
	defer func() { _ = ops.Close() }()

	dump, err := ops.DumpMemory(context.Background())
	require.NoError(t, err)

	assert.Len(t, dump, 1024)
	assert.Equal(t, testutil.TestMIFARE1KUID, dump[:4])
}

func TestDumpMemory_ISO15693(t *testing.T) {
	device, chip := createVirtualDevice(t)
	chip.AddISO15693Tag(testutil.NewVirtualISO15693(nil))

	ops := New(device)
	_, err := ops.Scan(context.Background())
	require.NoError(t, err)
	defer func() { _ = ops.Close() }()

	dump, err := ops.DumpMemory(context.Background())
	require.NoError(t, err)

	assert.Len(t, dump, 128)
	assert.Equal(t, byte(ccMagic), dump[0])
}

// --- Helpers ---

func TestCardTypeDisplayName(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		cardType pn5180.CardType
	}{
		{"Type 2", type2CardName, pn5180.CardTypeType2},
		{"MIFARE", mifareClassicName, pn5180.CardTypeMIFARE},
		{"ISO15693", iso15693CardName, pn5180.CardTypeISO15693},
		{"Unknown", unknownCardName, pn5180.CardTypeUnknown},
		{"Any", unknownCardName, pn5180.CardTypeAny},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, CardTypeDisplayName(tc.cardType))
		})
	}
}

func TestCompareUID(t *testing.T) {
	tests := []struct {
		name     string
		uid1     []byte
		uid2     []byte
		expected bool
	}{
		{
			name:     "Identical UIDs",
			uid1:     []byte{0x04, 0x01, 0x02, 0x03},
			uid2:     []byte{0x04, 0x01, 0x02, 0x03},
			expected: true,
		},
		{
			name:     "Different UIDs same length",
			uid1:     []byte{0x04, 0x01, 0x02, 0x03},
			uid2:     []byte{0x04, 0x01, 0x02, 0x04},
			expected: false,
		},
		{
			name:     "Different lengths",
			uid1:     []byte{0x04, 0x01, 0x02},
			uid2:     []byte{0x04, 0x01, 0x02, 0x03},
			expected: false,
		},
		{
			name:     "Nil vs empty",
			uid1:     nil,
			uid2:     []byte{},
			expected: true, // bytes.Equal treats nil and empty as equal
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, CompareUID(tc.uid1, tc.uid2))
		})
	}
}

func TestClose_Idempotent(t *testing.T) {
	device, chip := createVirtualDevice(t)
	chip.AddTag(testutil.NewVirtualNTAG213(nil))

	ops := New(device)
	_, err := ops.Scan(context.Background())
	require.NoError(t, err)

	require.NoError(t, ops.Close())
	require.NoError(t, ops.Close())
	assert.Equal(t, chip.RFOnCount(), chip.RFOffCount())
}

func TestErrors(t *testing.T) {
	assert.Equal(t, "no card in field", ErrNoCard.Error())
	assert.Equal(t, "no card scanned", ErrNotScanned.Error())
	assert.Equal(t, "unsupported card type", ErrUnsupportedCard.Error())
}
