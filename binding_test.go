package govarlink

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/govarlink/schema"
)

func testInterface(t *testing.T) *schema.Interface {
	t.Helper()
	iface, err := schema.NewInterface("test.calc", nil, []schema.Method{
		{
			Name: "Add",
			In:   []schema.Field{{Name: "a", Type: schema.Int()}, {Name: "b", Type: schema.Int()}},
			Out:  []schema.Field{{Name: "sum", Type: schema.Int()}},
		},
		{
			Name:  "Double",
			In:    []schema.Field{{Name: "value", Type: schema.Int()}},
			Out:   []schema.Field{{Name: "value", Type: schema.Int()}},
			OutUnwrap: true,
		},
	})
	require.NoError(t, err)
	return iface
}

func TestBindingRejectsUndeclaredHandler(t *testing.T) {
	iface := testInterface(t)
	_, err := NewBinding(iface, map[string]HandlerFunc{
		"Add":      func(*ServerCall, any) (any, *Rights, error) { return nil, nil, nil },
		"Double":   func(*ServerCall, any) (any, *Rights, error) { return nil, nil, nil },
		"NotThere": func(*ServerCall, any) (any, *Rights, error) { return nil, nil, nil },
	})
	assert.Error(t, err)
}

func TestBindingRequiresEveryMethodHandled(t *testing.T) {
	iface := testInterface(t)
	_, err := NewBinding(iface, map[string]HandlerFunc{
		"Add": func(*ServerCall, any) (any, *Rights, error) { return nil, nil, nil },
	})
	assert.Error(t, err)
}

func TestBindingAndProxyRoundTrip(t *testing.T) {
	iface := testInterface(t)
	binding, err := NewBinding(iface, map[string]HandlerFunc{
		"Add": func(call *ServerCall, in any) (any, *Rights, error) {
			m := in.(map[string]any)
			a, _ := m["a"].(int64)
			b, _ := m["b"].(int64)
			return map[string]any{"sum": a + b}, nil, nil
		},
		"Double": func(call *ServerCall, in any) (any, *Rights, error) {
			m := in.(map[string]any)
			v, _ := m["value"].(int64)
			return v * 2, nil, nil
		},
	})
	require.NoError(t, err)

	reg := NewRegistry()
	require.NoError(t, reg.Register(binding))

	dir := t.TempDir()
	path := filepath.Join(dir, "calc.sock")
	log := logrus.NewEntry(logrus.New())

	ln, err := ListenUnix(path, reg, WithLogger(log))
	require.NoError(t, err)
	defer ln.Close()
	go ln.Serve()

	conn, err := DialConn("unix:"+path, log)
	require.NoError(t, err)
	defer conn.Close()

	proxy := NewProxy(conn, iface)

	sum, err := proxy.Call("Add", map[string]any{"a": int64(2), "b": int64(3)})
	require.NoError(t, err)
	m := sum.(map[string]any)
	assert.Equal(t, int64(5), m["sum"])

	doubled, err := proxy.Call("Double", map[string]any{"value": int64(4)})
	require.NoError(t, err)
	assert.Equal(t, int64(8), doubled)
}
