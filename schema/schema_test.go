package schema

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func demoInterface() *Interface {
	iface, err := NewInterface("com.example.demo", []TypeDecl{
		{Name: "Level", Type: EnumOf("low", "medium", "high")},
	}, []Method{
		{
			Name: "Ping",
			In:   []Field{{Name: "message", Type: String()}},
			Out:  []Field{{Name: "reply", Type: String()}},
		},
		{
			Name: "Range",
			In:   []Field{{Name: "from", Type: Int()}, {Name: "to", Type: Int()}},
			Out:  []Field{{Name: "value", Type: Int()}},
			Flags: MethodFlags{MayProduceMore: true},
		},
		{
			Name: "Classify",
			In:   []Field{{Name: "value", Type: Int()}},
			Out:  []Field{{Name: "level", Type: RefTo("Level")}, {Name: "note", Type: OptionalOf(String())}},
		},
	})
	if err != nil {
		panic(err)
	}
	return iface
}

func TestMethodValidateRejectsOnewayWithMore(t *testing.T) {
	m := Method{Name: "Bad", Flags: MethodFlags{IsOneway: true, MayProduceMore: true}}
	require.Error(t, m.Validate())
}

func TestMethodValidateRejectsUpgradeWithMore(t *testing.T) {
	m := Method{Name: "Bad", Flags: MethodFlags{UpgradesConnection: true, MayProduceMore: true}}
	require.Error(t, m.Validate())
}

func TestRenderParseRoundTrip(t *testing.T) {
	iface := demoInterface()
	text := Render(iface)

	parsed, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, text, Render(parsed))
}

func TestRenderStringSetAndOptional(t *testing.T) {
	iface, err := NewInterface("com.example.sets", nil, []Method{
		{
			Name: "Tag",
			In:   []Field{{Name: "names", Type: StringSet()}},
			Out:  []Field{{Name: "description", Type: OptionalOf(String())}},
		},
	})
	require.NoError(t, err)

	text := Render(iface)
	assert.Contains(t, text, "[string]()")
	assert.Contains(t, text, "?string")

	parsed, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, text, Render(parsed))
}

func TestToJSONStruct(t *testing.T) {
	iface := demoInterface()
	method, ok := iface.Method("Classify")
	require.True(t, ok)

	ctx := &Context{Types: iface.TypeTable()}
	out, err := ToJSON(method.OutputType(), map[string]any{
		"level": "medium",
	}, ctx)
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "medium", m["level"])
	_, hasNote := m["note"]
	assert.False(t, hasNote, "an absent optional field must be omitted, not emitted as null")
}

func TestToJSONRejectsUnknownEnumSymbol(t *testing.T) {
	iface := demoInterface()
	method, _ := iface.Method("Classify")
	ctx := &Context{Types: iface.TypeTable()}
	_, err := ToJSON(method.OutputType(), map[string]any{"level": "extreme"}, ctx)
	assert.Error(t, err)
}

func TestFromJSONRejectsUnknownField(t *testing.T) {
	iface := demoInterface()
	method, _ := iface.Method("Ping")
	_, err := FromJSON(method.OutputType(), map[string]any{"reply": "pong", "extra": true}, nil)
	assert.Error(t, err)
}

func TestFromJSONRejectsUnknownInputFieldByDefault(t *testing.T) {
	iface := demoInterface()
	method, _ := iface.Method("Ping")
	_, err := FromJSON(method.InputType(), map[string]any{"message": "hi", "extra": true}, nil)
	assert.Error(t, err)
}

func TestFromJSONToleratesUnknownInputFieldWhenOptedIn(t *testing.T) {
	iface := demoInterface()
	method, _ := iface.Method("Ping")
	method.TolerantIn = true
	v, err := FromJSON(method.InputType(), map[string]any{"message": "hi", "extra": true}, nil)
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, "hi", m["message"])
	assert.Equal(t, true, m["extra"])
}

// fakeRights is a minimal DescriptorSink/DescriptorSource for testing
// fd conversion without depending on the root package (which would
// create an import cycle).
type fakeRights struct {
	files []*os.File
	taken []bool
}

func (r *fakeRights) Append(f *os.File) int {
	r.files = append(r.files, f)
	r.taken = append(r.taken, false)
	return len(r.files) - 1
}

func (r *fakeRights) Borrow(i int) (*os.File, bool) {
	if i < 0 || i >= len(r.files) {
		return nil, false
	}
	return r.files[i], true
}

func (r *fakeRights) Take(i int) (*os.File, bool) {
	if i < 0 || i >= len(r.files) || r.taken[i] {
		return nil, false
	}
	r.taken[i] = true
	return r.files[i], true
}

func TestFDRoundTripPreservesIdentity(t *testing.T) {
	f, err := os.Open(os.DevNull)
	require.NoError(t, err)
	defer f.Close()

	sink := &fakeRights{}
	out, err := ToJSON(FD(), f, &Context{Out: sink})
	require.NoError(t, err)
	idx := out.(int)

	got, err := FromJSON(FD(), float64(idx), &Context{In: sink})
	require.NoError(t, err)
	assert.Same(t, f, got.(*os.File))
}

func TestIntegerOutOfRangeRejected(t *testing.T) {
	_, err := FromJSON(Int(), 1e20, nil)
	assert.Error(t, err)

	// A fractional number is not an integer either.
	_, err = FromJSON(Int(), 1.5, nil)
	assert.Error(t, err)
}
