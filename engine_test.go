package magick

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineRegisterIdempotent(t *testing.T) {
	e := newTestEngine(t)

	f1, err := e.Register("checkout", FlagOptions{Description: "v1"})
	require.NoError(t, err)
	require.NoError(t, f1.Enable())

	// Re-registration rebinds metadata but keeps the dynamic state.
	f2, err := e.Register("checkout", FlagOptions{Description: "v2"})
	require.NoError(t, err)

	assert.Equal(t, "v2", f2.Description())
	assert.True(t, f2.Enabled(Context{}), "enable state survives re-registration")
}

func TestEngineRegisterNormalizesName(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Register("  Checkout  ", FlagOptions{})
	require.NoError(t, err)
	assert.True(t, e.Get("checkout").Registered())

	_, err = e.Register("", FlagOptions{})
	assert.Error(t, err)
}

func TestEngineGetUnknownIsTransientAndOff(t *testing.T) {
	e := newTestEngine(t)

	f := e.Get("never_registered")
	assert.False(t, f.Registered())
	assert.False(t, f.Enabled(Context{}))
	assert.Empty(t, e.Flags(), "transient flags are not listed")
}

func TestEngineLookup(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Register("checkout", FlagOptions{})
	require.NoError(t, err)

	_, err = e.Lookup("checkout")
	assert.NoError(t, err)

	_, err = e.Lookup("missing")
	var nferr *FeatureNotFoundError
	require.ErrorAs(t, err, &nferr)
	assert.Equal(t, "missing", nferr.Name)
}

func TestEngineEnabledHelpers(t *testing.T) {
	e := newTestEngine(t)
	f, err := e.Register("checkout", FlagOptions{})
	require.NoError(t, err)
	require.NoError(t, f.EnableForUser("42"))

	assert.True(t, e.Enabled("checkout", Context{"user_id": "42"}))
	assert.True(t, e.Disabled("checkout", Context{"user_id": "7"}))
	assert.True(t, e.EnabledFor("checkout", 42, nil))
	assert.False(t, e.EnabledFor("checkout", 7, nil))
}

func TestEngineValue(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Register("greeting", FlagOptions{Type: TypeString, Default: "hello", Value: "hola"})
	require.NoError(t, err)

	assert.Equal(t, "hola", e.Value("greeting", Context{}))
	assert.Equal(t, false, e.Value("unknown", Context{}), "transient boolean flags default to their off value")
}

func TestEngineBulkEnableDisable(t *testing.T) {
	e := newTestEngine(t)
	for _, name := range []string{"a", "b", "c"} {
		_, err := e.Register(name, FlagOptions{})
		require.NoError(t, err)
	}

	require.NoError(t, e.BulkEnable("a", "b", "c"))
	for _, name := range []string{"a", "b", "c"} {
		assert.True(t, e.Enabled(name, Context{}))
	}

	require.NoError(t, e.BulkDisable("a", "c"))
	assert.False(t, e.Enabled("a", Context{}))
	assert.True(t, e.Enabled("b", Context{}))
}

func TestEngineBulkEnableCollectsErrors(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Register("a", FlagOptions{})
	require.NoError(t, err)
	_, err = e.Register("s", FlagOptions{Type: TypeString})
	require.NoError(t, err)

	err = e.BulkEnable("a", "s")
	require.Error(t, err, "non-boolean flags reject bulk enable")
	assert.True(t, e.Enabled("a", Context{}), "the boolean flag was still enabled")
}

func TestEngineDelete(t *testing.T) {
	e := newTestEngine(t)
	f, err := e.Register("checkout", FlagOptions{})
	require.NoError(t, err)
	require.NoError(t, f.Enable())

	require.NoError(t, e.Delete("checkout"))
	assert.False(t, e.Get("checkout").Registered())
	assert.False(t, e.Enabled("checkout", Context{}))
}

func TestEngineFlagsSorted(t *testing.T) {
	e := newTestEngine(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := e.Register(name, FlagOptions{})
		require.NoError(t, err)
	}

	flags := e.Flags()
	require.Len(t, flags, 3)
	assert.Equal(t, "alpha", flags[0].Name())
	assert.Equal(t, "mid", flags[1].Name())
	assert.Equal(t, "zeta", flags[2].Name())
}

func TestEngineReset(t *testing.T) {
	e := newTestEngine(t)
	f, err := e.Register("checkout", FlagOptions{})
	require.NoError(t, err)
	require.NoError(t, f.Enable())

	require.NoError(t, e.Reset())
	assert.Empty(t, e.Flags())
	assert.False(t, e.Enabled("checkout", Context{}))
}

func TestEngineOnChange(t *testing.T) {
	e := newTestEngine(t)
	var events []string
	e.SetOnChange(func(name, action string) {
		events = append(events, name+":"+action)
	})

	f, err := e.Register("checkout", FlagOptions{})
	require.NoError(t, err)
	require.NoError(t, f.Enable())
	require.NoError(t, f.Disable())
	require.NoError(t, e.Delete("checkout"))

	assert.Contains(t, events, "checkout:enable")
	assert.Contains(t, events, "checkout:disable")
	assert.Contains(t, events, "checkout:delete")
}

func TestDefaultEngine(t *testing.T) {
	e := newTestEngine(t)
	SetDefault(e)
	t.Cleanup(func() { SetDefault(nil) })

	f, err := e.Register("checkout", FlagOptions{})
	require.NoError(t, err)
	require.NoError(t, f.Enable())

	assert.True(t, Enabled("checkout", Context{}))
	assert.Equal(t, true, Value("checkout", Context{}))
	assert.True(t, EnabledFor("checkout", 42, nil))
}

func TestDefaultEngineUnset(t *testing.T) {
	SetDefault(nil)
	assert.False(t, Enabled("anything", Context{}))
	assert.Nil(t, Value("anything", Context{}))
}
