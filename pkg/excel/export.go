package excel

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/khalidbs/vulnveille/cmd/common"
)

// SheetName is the single sheet written by the export.
const SheetName = "Suivi"

// Columns is the fixed export column order.
var Columns = []string{
	"Bulletin", "CVEs", "Client", "Title", "Description", "CVSS",
	"Products", "Mitigation", "References", "Status", "Team", "Treated on", "Comment",
}

// statusFills mirrors the colors the SOC uses in its manual follow-up sheets.
var statusFills = map[string]string{
	common.StatusOpen:    "FFFF00",
	common.StatusWIP:     "FFA500",
	common.StatusPending: "87CEEB",
	common.StatusClosed:  "00B050",
}

// Export writes the tracked rows as an .xlsx workbook. The output holds one
// data row per input row, in input order, under a single header row.
func Export(w io.Writer, rows []common.TrackedVuln) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return err
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return err
	}
	wrapStyle, err := f.NewStyle(&excelize.Style{
		Alignment: &excelize.Alignment{
			Horizontal: "left",
			Vertical:   "top",
			WrapText:   true,
		},
	})
	if err != nil {
		return err
	}

	statusStyles := make(map[string]int, len(statusFills))
	for status, color := range statusFills {
		style, err := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
			Alignment: &excelize.Alignment{
				Horizontal: "center",
				Vertical:   "center",
			},
		})
		if err != nil {
			return err
		}
		statusStyles[status] = style
	}

	for col, name := range Columns {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(SheetName, cell, name); err != nil {
			return err
		}
		if err := f.SetCellStyle(SheetName, cell, cell, headerStyle); err != nil {
			return err
		}
	}

	for i, row := range rows {
		values := []string{
			row.BulletinID, row.CVE, row.Client, row.Title, row.Description,
			row.CVSSScore, row.Products, row.Mitigation, row.References,
			row.Status, row.Team, row.TreatedOn, row.Comment,
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(SheetName, cell, value); err != nil {
				return err
			}
			style := wrapStyle
			if Columns[col] == "Status" {
				if s, ok := statusStyles[row.Status]; ok {
					style = s
				}
			}
			if err := f.SetCellStyle(SheetName, cell, cell, style); err != nil {
				return err
			}
		}
	}

	// Readable defaults: narrow id columns, wide text columns.
	if err := f.SetColWidth(SheetName, "A", "C", 16); err != nil {
		return err
	}
	if err := f.SetColWidth(SheetName, "D", "I", 40); err != nil {
		return err
	}
	if err := f.SetColWidth(SheetName, "J", "M", 16); err != nil {
		return err
	}

	lastCol, err := excelize.CoordinatesToCellName(len(Columns), len(rows)+1)
	if err != nil {
		return err
	}
	if err := f.AutoFilter(SheetName, fmt.Sprintf("A1:%s", lastCol), nil); err != nil {
		return err
	}

	return f.Write(w)
}
