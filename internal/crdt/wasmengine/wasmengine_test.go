package wasmengine

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestLoadAndRoundTrip exercises a real guest module when one is supplied
// via COB_TEST_WASM_ENGINE (a path to a .wasm binary implementing this
// package's ABI). No such fixture ships with this module — compiling one
// requires a WASM toolchain this repository doesn't invoke — so the test
// skips by default rather than asserting against a stub.
func TestLoadAndRoundTrip(t *testing.T) {
	path := os.Getenv("COB_TEST_WASM_ENGINE")
	if path == "" {
		t.Skip("COB_TEST_WASM_ENGINE not set; no guest module to exercise")
	}

	binary, err := os.ReadFile(path)
	require.NoError(t, err)

	ctx := context.Background()
	engine, err := Load(ctx, "automerge-wasm", binary)
	require.NoError(t, err)
	defer engine.Close(ctx)

	require.Equal(t, "automerge-wasm", engine.HistoryType())

	state := engine.New()
	_, err = engine.Render(state)
	require.NoError(t, err)
}

func TestLoadRejectsModuleMissingExports(t *testing.T) {
	// A module with no exports at all must fail Load cleanly rather than
	// panicking later on a nil api.Function.
	// Minimal valid empty WASM module: magic + version, no sections.
	emptyModule := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	ctx := context.Background()
	_, err := Load(ctx, "automerge-wasm", emptyModule)
	require.Error(t, err)
}
