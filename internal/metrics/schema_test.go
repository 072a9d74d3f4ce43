package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchemaWidthMatchesFormula(t *testing.T) {
	// spec §6 file 1: 10 + 21*devices + 10 + (6 if ENA) + 2 + 6 + 3
	cases := []struct {
		name    string
		schema  Schema
		wantLen int
	}{
		{"no devices, no ena", Schema{}, 10 + 10 + 2 + 6 + 3},
		{"two devices, no ena", Schema{DeviceNames: []string{"data0", "data1"}}, 10 + 21*2 + 10 + 2 + 6 + 3},
		{"one device, with ena", Schema{DeviceNames: []string{"data0"}, HasENA: true}, 10 + 21 + 10 + 6 + 2 + 6 + 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.wantLen, tc.schema.Width())
			require.Len(t, tc.schema.Header(), tc.wantLen, "header width must equal Width()")
		})
	}
}

func TestSchemaHeaderNamespacesDeviceColumns(t *testing.T) {
	s := Schema{DeviceNames: []string{"data0", "data1"}}
	h := s.Header()
	require.Contains(t, h, "total_iops_data0")
	require.Contains(t, h, "total_iops_data1")
	require.Contains(t, h, "aws_standard_iops_data0")
}

func TestComputeAWSStandardIOPSLaw(t *testing.T) {
	// spec §8 property 2: aws_iops == total_iops * min(1, avg_kib/16)
	require.InDelta(t, 100, ComputeAWSStandardIOPS(100, 16, false), 0.5)
	require.InDelta(t, 100, ComputeAWSStandardIOPS(100, 32, false), 0.5)
	require.InDelta(t, 50, ComputeAWSStandardIOPS(100, 8, false), 0.5)
	require.InDelta(t, 0, ComputeAWSStandardIOPS(100, 0, false), 0.5)
	require.InDelta(t, 0, ComputeAWSStandardIOPS(0, 8, false), 0.5)
}

func TestComputeAWSStandardIOPSInstanceStorePassesThrough(t *testing.T) {
	require.InDelta(t, 100, ComputeAWSStandardIOPS(100, 4, true), 0.5)
	require.InDelta(t, 0, ComputeAWSStandardIOPS(0, 0, true), 0.5)
}

func TestComputeBlockHeightFieldsDiffIdentity(t *testing.T) {
	f := ComputeBlockHeightFields(100, 105, true, true, true, true, 50)
	require.Equal(t, int64(5), f.Diff)
	require.False(t, f.DataLoss)
}

func TestComputeBlockHeightFieldsDataLossOnBothFailed(t *testing.T) {
	f := ComputeBlockHeightFields(0, 0, false, false, false, false, 50)
	require.True(t, f.DataLoss)
	require.Equal(t, UnknownHeight, f.Diff)
}

func TestComputeBlockHeightFieldsDataLossOnExcessDiff(t *testing.T) {
	f := ComputeBlockHeightFields(100, 2100, true, true, true, true, 50)
	require.True(t, f.DataLoss)
	require.Equal(t, int64(2000), f.Diff)
}

func TestComputeBlockHeightFieldsDataLossOnBothUnhealthy(t *testing.T) {
	f := ComputeBlockHeightFields(100, 102, true, true, false, false, 50)
	require.True(t, f.DataLoss)
}

func TestComputeBlockHeightFieldsHealthyNoDataLoss(t *testing.T) {
	f := ComputeBlockHeightFields(100, 102, true, true, true, false, 50)
	require.False(t, f.DataLoss)
	require.Equal(t, int64(2), f.Diff)
}
