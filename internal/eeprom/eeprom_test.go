package eeprom_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ecat "github.com/w-utter/ecat"
	"github.com/w-utter/ecat/internal/eeprom"
	"github.com/w-utter/ecat/internal/proto"
)

func TestStringReaderReadsFirstEntry(t *testing.T) {
	seg := ecat.NewMockSegment()
	dev := ecat.NewMockDevice(0x1, 0x1)
	seg.AddDevice(dev)
	sender := ecat.NewSubmitRecorder(seg)

	idx := &proto.Index{}
	cycle := eeprom.NewRegisterCycle(sender, 0, idx, dev.Address(), 3, time.Millisecond)

	strings := eeprom.NewCategoryIterator(cycle, proto.CategoryStrings)
	h, err := strings.Start(0)
	require.NoError(t, err)

	const maxSteps = 64
	var cat eeprom.Category
	for i := 0; ; i++ {
		require.Less(t, i, maxSteps, "category scan did not converge")
		payload, _, ok := sender.Take(h)
		require.True(t, ok)
		done, found, c, retry, err := strings.Update(payload, 0)
		require.NoError(t, err)
		if done {
			require.True(t, found, "mock EEPROM carries no Strings category")
			cat = c
			break
		}
		require.NotNil(t, retry)
		h = *retry
	}

	var name [64]byte
	reader := eeprom.NewStringReader(cycle, cat.WordAddress, 1, name[:])
	sh, doneImmediately, err := reader.Start(0)
	require.NoError(t, err)
	require.False(t, doneImmediately)

	h = sh
	for i := 0; ; i++ {
		require.Less(t, i, maxSteps, "string reader did not converge")
		payload, _, ok := sender.Take(h)
		require.True(t, ok)
		done, retry, err := reader.Update(payload, 0)
		require.NoError(t, err)
		if done {
			break
		}
		require.NotNil(t, retry)
		h = *retry
	}

	require.Equal(t, "MockDevice", string(name[:reader.Written()]))
}

func TestStringReaderReadsSecondEntry(t *testing.T) {
	seg := ecat.NewMockSegment()
	dev := ecat.NewMockDevice(0x1, 0x1)
	seg.AddDevice(dev)
	sender := ecat.NewSubmitRecorder(seg)

	idx := &proto.Index{}
	cycle := eeprom.NewRegisterCycle(sender, 0, idx, dev.Address(), 3, time.Millisecond)

	strings := eeprom.NewCategoryIterator(cycle, proto.CategoryStrings)
	h, err := strings.Start(0)
	require.NoError(t, err)

	const maxSteps = 64
	var cat eeprom.Category
	for i := 0; ; i++ {
		require.Less(t, i, maxSteps, "category scan did not converge")
		payload, _, ok := sender.Take(h)
		require.True(t, ok)
		done, found, c, retry, err := strings.Update(payload, 0)
		require.NoError(t, err)
		if done {
			require.True(t, found)
			cat = c
			break
		}
		require.NotNil(t, retry)
		h = *retry
	}

	var name [64]byte
	reader := eeprom.NewStringReader(cycle, cat.WordAddress, 2, name[:])
	sh, doneImmediately, err := reader.Start(0)
	require.NoError(t, err)
	require.False(t, doneImmediately)

	h = sh
	for i := 0; ; i++ {
		require.Less(t, i, maxSteps, "string reader did not converge")
		payload, _, ok := sender.Take(h)
		require.True(t, ok)
		done, retry, err := reader.Update(payload, 0)
		require.NoError(t, err)
		if done {
			break
		}
		require.NotNil(t, retry)
		h = *retry
	}

	require.Equal(t, "Aux", string(name[:reader.Written()]))
}

func TestStringReaderIndexZeroIsNoString(t *testing.T) {
	seg := ecat.NewMockSegment()
	dev := ecat.NewMockDevice(0x1, 0x1)
	seg.AddDevice(dev)
	sender := ecat.NewSubmitRecorder(seg)

	idx := &proto.Index{}
	cycle := eeprom.NewRegisterCycle(sender, 0, idx, dev.Address(), 3, time.Millisecond)

	var name [64]byte
	reader := eeprom.NewStringReader(cycle, 0, 0, name[:])
	_, done, err := reader.Start(0)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, 0, reader.Written())
}
