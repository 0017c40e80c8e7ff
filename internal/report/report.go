// Package report renders a completed CrawlBatch into the PDF and XLSX
// formats spec.md's Supplemented features describe: a human-readable
// summary of batch status, task counts and per-status breakdown handed to whoever
// requested the batch, generated via johnfercher/maroto and
// xuri/excelize the way Hola-to-network_logistics_problem's report-svc
// renders its own flow/analytics reports.
package report

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	marotoconfig "github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/border"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/core"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/xuri/excelize/v2"

	"antcode/internal/domain"
	"antcode/pkg/apperror"
	"antcode/pkg/config"
)

// TaskBreakdown is a snapshot of one batch's crawl tasks grouped by
// status, used to fill in the per-status table both formats render.
type TaskBreakdown struct {
	Status domain.CrawlTaskStatus
	Count  int
}

// Summary is everything a report needs beyond domain.CrawlBatch itself:
// the per-status counts the queue holds, which CrawlBatch does not
// track at that granularity.
type Summary struct {
	Batch       domain.CrawlBatch
	Breakdown   []TaskBreakdown
	GeneratedAt time.Time
}

// Generator renders and persists batch reports per cfg.Report.
type Generator struct {
	cfg config.ReportConfig
}

// New builds a Generator bound to cfg.
func New(cfg config.ReportConfig) *Generator {
	return &Generator{cfg: cfg}
}

// Write renders every format listed in cfg.Report.Formats for summary
// and saves each under cfg.Report.OutputDir, returning the paths
// written. A disabled config (Enabled == false) is a no-op, matching
// the teacher's pattern of gating optional subsystems on a single
// config flag.
func (g *Generator) Write(summary Summary) ([]string, error) {
	if !g.cfg.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(g.cfg.OutputDir, 0o755); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "create report output dir")
	}

	var written []string
	for _, format := range g.cfg.Formats {
		var (
			data []byte
			ext  string
			err  error
		)
		switch format {
		case "pdf":
			data, err = g.renderPDF(summary)
			ext = "pdf"
		case "xlsx":
			data, err = g.renderXLSX(summary)
			ext = "xlsx"
		default:
			return written, apperror.New(apperror.CodeInvalidArgument, fmt.Sprintf("unknown report format %q", format))
		}
		if err != nil {
			return written, err
		}

		path := filepath.Join(g.cfg.OutputDir, fmt.Sprintf("%s.%s", summary.Batch.BatchID, ext))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return written, apperror.Wrap(err, apperror.CodeInternal, "write report file")
		}
		written = append(written, path)
	}
	return written, nil
}

var (
	headerBgColor  = &props.Color{Red: 44, Green: 62, Blue: 80}
	primaryColor   = &props.Color{Red: 52, Green: 152, Blue: 219}
	lightGrayColor = &props.Color{Red: 236, Green: 240, Blue: 241}
	darkGrayColor  = &props.Color{Red: 127, Green: 140, Blue: 141}

	titleStyle = props.Text{Size: 20, Style: fontstyle.Bold, Align: align.Center, Color: headerBgColor}
	h2Style    = props.Text{Size: 14, Style: fontstyle.Bold, Color: headerBgColor, Top: 4}
	smallStyle = props.Text{Size: 8, Color: darkGrayColor}
	boldStyle  = props.Text{Size: 10, Style: fontstyle.Bold}
	normalStyle = props.Text{Size: 10}

	tableHeaderStyle     = &props.Cell{BackgroundColor: primaryColor}
	tableHeaderTextStyle = props.Text{Size: 9, Style: fontstyle.Bold, Color: &props.Color{Red: 255, Green: 255, Blue: 255}, Align: align.Center}
	tableCellStyle       = &props.Cell{BorderType: border.Bottom, BorderColor: lightGrayColor}
	tableCellTextStyle   = props.Text{Size: 9, Align: align.Center}
)

// renderPDF lays the batch summary out the way the teacher's
// PDFGenerator.Generate composes a document: header, metric cards,
// a breakdown table, footer.
func (g *Generator) renderPDF(s Summary) ([]byte, error) {
	margin := g.cfg.PDF.MarginTop
	if margin == 0 {
		margin = 15
	}

	cb := marotoconfig.NewBuilder().
		WithPageNumber().
		WithTopMargin(margin).
		WithLeftMargin(15).
		WithRightMargin(15)
	m := maroto.New(cb.Build())

	b := s.Batch
	m.AddRow(12, text.NewCol(12, fmt.Sprintf("Crawl Batch %s", b.BatchID), titleStyle))
	m.AddRow(4, line.NewCol(12, props.Line{Color: primaryColor}))
	m.AddRow(6,
		text.NewCol(6, fmt.Sprintf("Project: %s", b.ProjectID), smallStyle),
		text.NewCol(6, fmt.Sprintf("Generated: %s", s.GeneratedAt.Format("2006-01-02 15:04:05")), props.Text{Size: 8, Color: darkGrayColor, Align: align.Right}),
	)
	m.AddRow(8)

	m.AddRow(10, text.NewCol(12, "Summary", h2Style))
	m.AddRow(18,
		metricCol("Status", string(b.Status)),
		metricCol("Total", fmt.Sprintf("%d", b.TotalTasks)),
		metricCol("Completed", fmt.Sprintf("%d", b.CompletedTasks)),
		metricCol("Failed", fmt.Sprintf("%d", b.FailedTasks)),
	)

	if len(s.Breakdown) > 0 {
		m.AddRow(10, text.NewCol(12, "Task Status Breakdown", h2Style))
		m.AddRow(8,
			text.NewCol(8, "Status", tableHeaderTextStyle).WithStyle(tableHeaderStyle),
			text.NewCol(4, "Count", tableHeaderTextStyle).WithStyle(tableHeaderStyle),
		)
		for _, row := range s.Breakdown {
			m.AddRow(6,
				text.NewCol(8, string(row.Status), tableCellTextStyle).WithStyle(tableCellStyle),
				text.NewCol(4, fmt.Sprintf("%d", row.Count), tableCellTextStyle).WithStyle(tableCellStyle),
			)
		}
	}

	m.AddRow(10)
	m.AddRow(2, line.NewCol(12, props.Line{Color: lightGrayColor}))
	m.AddRow(6, text.NewCol(12, "Generated by antcode", props.Text{Size: 8, Color: darkGrayColor, Align: align.Center}))

	doc, err := m.Generate()
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "generate pdf report")
	}
	return doc.GetBytes(), nil
}

func metricCol(label, value string) core.Col {
	return col.New(3).Add(
		text.New(value, boldStyle),
		text.New(label, smallStyle),
	)
}

// renderXLSX writes the same summary to a single "Batch Summary" sheet:
// the header metrics as field/value rows followed by the breakdown
// table, grounded on the teacher's ExcelGenerator.writeFlowExcel
// cell-by-cell layout.
func (g *Generator) renderXLSX(s Summary) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Batch Summary"
	f.DeleteSheet("Sheet1")
	f.NewSheet(sheet)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"2C3E50"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "build xlsx header style")
	}

	b := s.Batch
	row := 1
	f.SetCellValue(sheet, cell("A", row), fmt.Sprintf("Crawl Batch %s", b.BatchID))
	f.MergeCell(sheet, cell("A", row), cell("C", row))
	row += 2

	fields := []struct {
		label string
		value any
	}{
		{"Project", b.ProjectID},
		{"Status", string(b.Status)},
		{"Total Tasks", b.TotalTasks},
		{"Enqueued", b.EnqueuedTasks},
		{"Completed", b.CompletedTasks},
		{"Failed", b.FailedTasks},
		{"Generated At", s.GeneratedAt.Format(time.RFC3339)},
	}
	f.SetCellValue(sheet, cell("A", row), "Field")
	f.SetCellValue(sheet, cell("B", row), "Value")
	f.SetCellStyle(sheet, cell("A", row), cell("B", row), headerStyle)
	row++
	for _, fld := range fields {
		f.SetCellValue(sheet, cell("A", row), fld.label)
		f.SetCellValue(sheet, cell("B", row), fld.value)
		row++
	}
	row++

	if len(s.Breakdown) > 0 {
		f.SetCellValue(sheet, cell("A", row), "Status")
		f.SetCellValue(sheet, cell("B", row), "Count")
		f.SetCellStyle(sheet, cell("A", row), cell("B", row), headerStyle)
		row++
		for _, entry := range s.Breakdown {
			f.SetCellValue(sheet, cell("A", row), string(entry.Status))
			f.SetCellValue(sheet, cell("B", row), entry.Count)
			row++
		}
	}

	f.SetColWidth(sheet, "A", "A", 22)
	f.SetColWidth(sheet, "B", "C", 16)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "write xlsx workbook")
	}
	return buf.Bytes(), nil
}

func cell(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}
