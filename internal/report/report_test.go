package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"antcode/internal/domain"
	"antcode/pkg/config"
)

func testSummary() Summary {
	return Summary{
		Batch: domain.CrawlBatch{
			BatchID:        "batch-1",
			ProjectID:      "proj-1",
			Status:         domain.BatchCompleted,
			TotalTasks:     10,
			EnqueuedTasks:  10,
			CompletedTasks: 8,
			FailedTasks:    2,
		},
		Breakdown: []TaskBreakdown{
			{Status: domain.CrawlSuccess, Count: 8},
			{Status: domain.CrawlFailed, Count: 2},
		},
		GeneratedAt: time.Unix(0, 0).UTC(),
	}
}

func TestGenerator_Write_Disabled(t *testing.T) {
	g := New(config.ReportConfig{Enabled: false})
	paths, err := g.Write(testSummary())
	require.NoError(t, err)
	require.Nil(t, paths)
}

func TestGenerator_Write_UnknownFormat(t *testing.T) {
	dir := t.TempDir()
	g := New(config.ReportConfig{Enabled: true, OutputDir: dir, Formats: []string{"csv"}})
	_, err := g.Write(testSummary())
	require.Error(t, err)
}

func TestGenerator_Write_PDFAndXLSX(t *testing.T) {
	dir := t.TempDir()
	g := New(config.ReportConfig{
		Enabled:   true,
		OutputDir: dir,
		Formats:   []string{"pdf", "xlsx"},
		PDF:       config.PDFConfig{PageSize: "A4"},
	})

	paths, err := g.Write(testSummary())
	require.NoError(t, err)
	require.Len(t, paths, 2)

	for _, p := range paths {
		info, err := os.Stat(p)
		require.NoError(t, err)
		require.Greater(t, info.Size(), int64(0))
	}
	require.Equal(t, filepath.Join(dir, "batch-1.pdf"), paths[0])
	require.Equal(t, filepath.Join(dir, "batch-1.xlsx"), paths[1])
}

func TestGenerator_renderXLSX_EmptyBreakdown(t *testing.T) {
	g := New(config.ReportConfig{Enabled: true})
	s := testSummary()
	s.Breakdown = nil

	data, err := g.renderXLSX(s)
	require.NoError(t, err)
	require.NotEmpty(t, data)
}
