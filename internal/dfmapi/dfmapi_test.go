package dfmapi

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteMarshalRoundTripThroughDecode(t *testing.T) {
	site := "site-a"
	greetID := NewNodeID()
	exec := Execute{
		NodeHeader: NodeHeader{NodeID: NewNodeID()},
		Site:       &site,
		Body: Body{
			greetID: &GreetMe{NodeHeader: NodeHeader{NodeID: greetID, IsOutput: true}, Name: "Ada"},
		},
	}

	data, err := Encode(&exec)
	require.NoError(t, err)

	fc, err := Decode(data)
	require.NoError(t, err)

	got, ok := fc.(*Execute)
	require.True(t, ok)
	assert.Equal(t, exec.NodeID, got.NodeID)
	require.NotNil(t, got.Site)
	assert.Equal(t, site, *got.Site)
	require.Contains(t, got.Body, greetID)
	greet, ok := got.Body[greetID].(*GreetMe)
	require.True(t, ok)
	assert.Equal(t, "Ada", greet.Name)
}

func TestProcessWrapsExecute(t *testing.T) {
	proc := Process{Execute: Execute{NodeHeader: NodeHeader{NodeID: NewNodeID()}, Body: Body{}}}
	assert.Equal(t, apiClassExecute, proc.Execute.APIClass())
}

func TestDecodeUnknownAPIClassErrors(t *testing.T) {
	_, err := Decode([]byte(`{"api_class": "dfm.api.dfm.Nonexistent"}`))
	assert.Error(t, err)
}

func TestDecodeMissingAPIClassErrors(t *testing.T) {
	_, err := Decode([]byte(`{}`))
	assert.Error(t, err)
}

func TestBodyLeavesExcludesReferencedNodes(t *testing.T) {
	lhsID, rhsID, zipID := NewNodeID(), NewNodeID(), NewNodeID()
	body := Body{
		lhsID: &Constant{NodeHeader: NodeHeader{NodeID: lhsID}, Value: 1},
		rhsID: &Constant{NodeHeader: NodeHeader{NodeID: rhsID}, Value: 2},
		zipID: &Zip2{NodeHeader: NodeHeader{NodeID: zipID}, Lhs: lhsID, Rhs: rhsID},
	}

	leaves := body.Leaves()
	assert.ElementsMatch(t, []uuid.UUID{zipID}, leaves)
}

func TestBodyMarshalUnmarshalRoundTrip(t *testing.T) {
	id := NewNodeID()
	body := Body{id: &GreetMe{NodeHeader: NodeHeader{NodeID: id}, Name: "Grace"}}

	data, err := body.MarshalJSON()
	require.NoError(t, err)

	var got Body
	require.NoError(t, got.UnmarshalJSON(data))
	require.Contains(t, got, id)
	greet, ok := got[id].(*GreetMe)
	require.True(t, ok)
	assert.Equal(t, "Grace", greet.Name)
}

func TestResponseRoundTripsEachBodyVariant(t *testing.T) {
	nodeID := NewNodeID()
	cases := []ResponseBody{
		ValueResponse{Value: float64(42)},
		StatusResponse{Message: "running"},
		HeartbeatResponse{},
		ErrorResponse{Kind: "DataError", Message: "bad input"},
		DiscoveryResponse{Advice: map[string]any{"providers": []any{"local"}}},
	}

	for _, body := range cases {
		resp := NewResponse(nodeID, body)
		data, err := resp.MarshalJSON()
		require.NoError(t, err)

		var got Response
		require.NoError(t, got.UnmarshalJSON(data))
		assert.Equal(t, nodeID, got.NodeID)
		assert.Equal(t, body, got.Body)
	}
}

func TestZip2InputRefs(t *testing.T) {
	lhs, rhs := NewNodeID(), NewNodeID()
	z := &Zip2{Lhs: lhs, Rhs: rhs}
	assert.Equal(t, lhs, z.InputRef("lhs"))
	assert.Equal(t, rhs, z.InputRef("rhs"))
	assert.Equal(t, InputKindSingle, z.InputKind("lhs"))
}

func TestSignalAllDoneInputRefList(t *testing.T) {
	a, b := NewNodeID(), NewNodeID()
	s := &SignalAllDone{After: []uuid.UUID{a, b}}
	assert.Equal(t, InputKindList, s.InputKind("after"))
	assert.ElementsMatch(t, []uuid.UUID{a, b}, s.InputRefList("after"))
}

func TestNewNodeIDIsUniqueAndNonNil(t *testing.T) {
	a := NewNodeID()
	b := NewNodeID()
	assert.NotEqual(t, uuid.Nil, a)
	assert.NotEqual(t, a, b)
}

func TestWellKnownNodeIDIsDeterministic(t *testing.T) {
	a := WellKnownNodeID("root")
	b := WellKnownNodeID("root")
	assert.Equal(t, a, b)
	assert.NotEqual(t, WellKnownNodeID("other"), a)
}
