package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKernelURI(t *testing.T) {
	assert.Equal(t, "kernel://pid-1/", NormalizeKernelURI("kernel://pid-1"))
	assert.Equal(t, "kernel://pid-1/csharp", NormalizeKernelURI("kernel://pid-1/csharp?tag=arrived"))
	assert.Equal(t, "kernel://pid-1/csharp?tag=arrived", NormalizeKernelURIWithQuery("kernel://pid-1/csharp?tag=arrived"))
	assert.Equal(t, "not a uri", NormalizeKernelURI("not a uri"))
	assert.Equal(t, "kernel://pid-1", ExtractHost("kernel://pid-1/csharp"))
	assert.Equal(t, "", ExtractHost("csharp"))
	assert.Equal(t, ArrivedTag, KernelURITag(TaggedKernelURI("kernel://a/b", ArrivedTag)))
}

func TestChildKernelURI(t *testing.T) {
	assert.Equal(t, "kernel://vscode/javascript", ChildKernelURI("kernel://vscode", "javascript"))
	assert.Equal(t, "kernel://vscode/javascript", ChildKernelURI("kernel://vscode/", "javascript"))
}

func TestRoutingSlip_StampRejectsDuplicates(t *testing.T) {
	s := NewRoutingSlip()
	require.NoError(t, s.Stamp("kernel://a/x"))
	require.NoError(t, s.StampAsArrived("kernel://a/y"))
	require.NoError(t, s.Stamp("kernel://a/y"))

	err := s.Stamp("kernel://a/x")
	require.ErrorIs(t, err, ErrDuplicateSlipEntry)
	assert.Equal(t, []string{"kernel://a/x", "kernel://a/y?tag=arrived", "kernel://a/y"}, s.Slice())
}

func TestRoutingSlip_Contains(t *testing.T) {
	s := NewRoutingSlip("kernel://a/x?tag=arrived")

	assert.False(t, s.Contains("kernel://a/x", false), "exact match must respect the tag")
	assert.True(t, s.Contains("kernel://a/x", true))
	assert.True(t, s.Contains("kernel://a/x?tag=arrived", false))
	assert.False(t, s.Contains("kernel://a/z", true))
}

func TestRoutingSlip_NewDedupes(t *testing.T) {
	s := NewRoutingSlip("kernel://a/x", "kernel://a/x", "kernel://b/")
	assert.Equal(t, []string{"kernel://a/x", "kernel://b/"}, s.Slice())
}

func TestRoutingSlip_StartsWith(t *testing.T) {
	s := NewRoutingSlip("kernel://a/x?tag=arrived", "kernel://b/y")

	assert.True(t, s.StartsWith(NewRoutingSlip("kernel://a/x")))
	assert.True(t, s.StartsWith(NewRoutingSlip("kernel://a/x", "kernel://b/y")))
	assert.False(t, s.StartsWith(NewRoutingSlip()), "empty prefix never matches")
	assert.False(t, s.StartsWith(NewRoutingSlip("kernel://b/y")))
}

func TestRoutingSlip_ContinueWithSuffix(t *testing.T) {
	local := NewRoutingSlip("kernel://vscode/?tag=arrived", "kernel://vscode/csharp")
	remote := NewRoutingSlip(
		"kernel://vscode/?tag=arrived",
		"kernel://vscode/csharp",
		"kernel://pid-1/?tag=arrived",
		"kernel://pid-1/csharp",
	)

	require.NoError(t, local.ContinueWith(remote))
	assert.Equal(t, remote.Slice(), local.Slice())
}

func TestRoutingSlip_ContinueWithShorterPrefixIsNoop(t *testing.T) {
	local := NewRoutingSlip("kernel://vscode/?tag=arrived", "kernel://vscode/csharp?tag=arrived", "kernel://pid-1/")
	stale := NewRoutingSlip("kernel://vscode/?tag=arrived", "kernel://vscode/csharp?tag=arrived")

	require.NoError(t, local.ContinueWith(stale))
	assert.Equal(t, 3, local.Len())
}

func TestRoutingSlip_ContinueWithDuplicateIsAtomic(t *testing.T) {
	local := NewRoutingSlip("kernel://a/x")
	other := NewRoutingSlip("kernel://b/y", "kernel://a/x")

	err := local.ContinueWith(other)
	require.ErrorIs(t, err, ErrDuplicateSlipEntry)
	assert.Equal(t, []string{"kernel://a/x"}, local.Slice(), "nothing appended on failure")
}

func TestRoutingSlip_CloneIsIndependent(t *testing.T) {
	s := NewRoutingSlip("kernel://a/x")
	c := s.Clone()
	require.NoError(t, c.Stamp("kernel://b/y"))

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 2, c.Len())
}

func TestRoutingSlip_JSON(t *testing.T) {
	s := NewRoutingSlip("kernel://a/x", "kernel://b/y?tag=arrived")
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `["kernel://a/x","kernel://b/y?tag=arrived"]`, string(data))

	var back RoutingSlip
	require.NoError(t, json.Unmarshal([]byte(`["kernel://a/x","kernel://a/x"]`), &back))
	assert.Equal(t, []string{"kernel://a/x"}, back.Slice())
}

func TestRoutingSlip_NilSafeReaders(t *testing.T) {
	var s *RoutingSlip
	assert.Equal(t, 0, s.Len())
	assert.Nil(t, s.Slice())
	assert.Equal(t, "", s.First())
}
