package reader

import (
	"context"
	"fmt"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/dirwatch/internal/errkind"
)

type stubReader struct{ name string }

func (s stubReader) Name() string { return s.name }
func (s stubReader) Read(context.Context, File, Emit) error {
	return nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.Empty(t, reg.Names())

	ctor := func(raw map[string]any, _ *log.Logger) (Reader, error) { return stubReader{name: "stub"}, nil }
	require.NoError(t, reg.Register("stub", ctor))
	assert.True(t, reg.IsRegistered("stub"))

	err := reg.Register("stub", ctor)
	assert.ErrorIs(t, err, ErrDuplicateReader)

	assert.Error(t, reg.Register("nil", nil))
	assert.Error(t, reg.Register("", ctor))

	r, err := reg.New("stub", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "stub", r.Name())

	_, err = reg.New("missing", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownReader)
	assert.True(t, errkind.Is(err, errkind.Config))
}

func TestDefaultRegistriesAreIndependent(t *testing.T) {
	a := Default()
	b := Default()
	require.NoError(t, a.Register("custom", func(map[string]any, *log.Logger) (Reader, error) { return stubReader{}, nil }))

	assert.Equal(t, []string{"conditions", "custom", "narrow", "offset", "wide"}, a.Names())
	assert.Equal(t, []string{"conditions", "narrow", "offset", "wide"}, b.Names())
}

func ExampleRegistry_Names() {
	for _, name := range Default().Names() {
		fmt.Println(name)
	}
	// Output:
	// conditions
	// narrow
	// offset
	// wide
}
