package init_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ecat "github.com/w-utter/ecat"
	initstage "github.com/w-utter/ecat/internal/stage/init"
	"github.com/w-utter/ecat/internal/proto"
)

func TestInitStageSingleDevice(t *testing.T) {
	seg := ecat.NewMockSegment()
	dev := ecat.NewMockDevice(0x00000002, 0x12345678)
	seg.AddDevice(dev)
	sender := ecat.NewSubmitRecorder(seg)

	idx := &proto.Index{}
	stage := initstage.NewStage(sender, 0, idx, 3, time.Millisecond, 1)

	h, err := stage.Start()
	require.NoError(t, err)

	const maxSteps = 200
	for i := 0; ; i++ {
		require.Less(t, i, maxSteps, "stage did not converge")
		payload, ctx, ok := sender.Take(h)
		require.True(t, ok, "no reply synthesized for handle %+v", h)
		done, retry, err := stage.Update(ctx.TopologyIdx, payload, ctx.UserTag)
		require.NoError(t, err)
		if done {
			break
		}
		require.NotNil(t, retry)
		h = *retry
	}

	devices := stage.Devices()
	require.Len(t, devices, 1)
	require.Equal(t, uint16(0x1000), devices[0].ConfiguredAddress)
	require.Equal(t, uint32(0x00000002), devices[0].Identity.VendorID)
	require.Equal(t, uint32(0x12345678), devices[0].Identity.ProductCode)
	require.Equal(t, "MockDevice", devices[0].Name)
}

func TestInitStageAddressAssignmentIsAutoIncrement(t *testing.T) {
	seg := ecat.NewMockSegment()
	for i := 0; i < 3; i++ {
		seg.AddDevice(ecat.NewMockDevice(uint32(i+1), uint32(i+1)))
	}
	sender := ecat.NewSubmitRecorder(seg)

	idx := &proto.Index{}
	stage := initstage.NewStage(sender, 0, idx, 3, time.Millisecond, 3)

	h, err := stage.Start()
	require.NoError(t, err)

	const maxSteps = 500
	for i := 0; ; i++ {
		require.Less(t, i, maxSteps, "stage did not converge")
		payload, ctx, ok := sender.Take(h)
		require.True(t, ok, "no reply synthesized for handle %+v", h)
		done, retry, err := stage.Update(ctx.TopologyIdx, payload, ctx.UserTag)
		require.NoError(t, err)
		if done {
			break
		}
		require.NotNil(t, retry)
		h = *retry
	}

	devices := stage.Devices()
	require.Len(t, devices, 3)
	for i, d := range devices {
		require.Equal(t, uint16(0x1000+i), d.ConfiguredAddress)
	}
}
