package artifact_test

import (
	"bytes"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/os-autoinst/openqa-worker-go/internal/artifact"
	"github.com/stretchr/testify/require"
)

func TestBuildFromDirectoryHashesFilesAndTracksUploads(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "autoinst-log.txt"), []byte("log line\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "testresults"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "testresults", "installation-1.png"), []byte("fake png"), 0644))

	var begun, finished int32
	b := artifact.NewBuilder(42)
	count, err := b.BuildFromDirectory(t.Context(), dir, 4,
		func() { atomic.AddInt32(&begun, 1) },
		func(error) { atomic.AddInt32(&finished, 1) },
	)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.EqualValues(t, 2, begun)
	require.EqualValues(t, 2, finished)

	var buf bytes.Buffer
	require.NoError(t, b.AsJSON(&buf))
	require.Contains(t, buf.String(), "installation-1.png")
	require.Contains(t, buf.String(), "CycloneDX")
}
