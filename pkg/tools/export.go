package tools

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/databridge-io/databridge/pkg/faults"
)

// RegisterExportTools adds the CSV and XLSX result exporters. Both are
// backend-agnostic utilities.
func RegisterExportTools(reg *Registry) error {
	if err := reg.Register(ToolMetadata{
		Name:                "export_csv",
		Description:         "Write query result rows to a CSV file",
		Category:            CategoryDataTransformation,
		Complexity:          1,
		InputTypes:          []string{"rows"},
		OutputTypes:         []string{"file_path"},
		EstimatedDurationMS: 500,
		Parallelizable:      true,
	}, exportCSV); err != nil {
		return err
	}

	return reg.Register(ToolMetadata{
		Name:                "export_xlsx",
		Description:         "Write query result rows to an Excel workbook",
		Category:            CategoryDataTransformation,
		Complexity:          2,
		InputTypes:          []string{"rows"},
		OutputTypes:         []string{"file_path"},
		EstimatedDurationMS: 1000,
		Parallelizable:      true,
	}, exportXLSX)
}

func exportCSV(ctx context.Context, params map[string]any) (any, error) {
	rows, columns, err := exportInput(params)
	if err != nil {
		return nil, err
	}
	path := exportPath(params, "/tmp/export.csv")

	f, err := os.Create(path)
	if err != nil {
		return nil, faults.Wrap(faults.ToolExecutionFailed, fmt.Sprintf("cannot create %s", path), err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		return nil, faults.Wrap(faults.ToolExecutionFailed, "write csv header", err)
	}
	for _, row := range rows {
		record := make([]string, len(columns))
		for i, col := range columns {
			record[i] = stringifyCell(row[col])
		}
		if err := w.Write(record); err != nil {
			return nil, faults.Wrap(faults.ToolExecutionFailed, "write csv row", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, faults.Wrap(faults.ToolExecutionFailed, "flush csv", err)
	}

	return map[string]any{"file_path": path, "rows": len(rows)}, nil
}

func exportXLSX(ctx context.Context, params map[string]any) (any, error) {
	rows, columns, err := exportInput(params)
	if err != nil {
		return nil, err
	}
	path := exportPath(params, "/tmp/export.xlsx")

	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	for i, col := range columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, faults.Wrap(faults.ToolExecutionFailed, "resolve header cell", err)
		}
		if err := f.SetCellValue(sheet, cell, col); err != nil {
			return nil, faults.Wrap(faults.ToolExecutionFailed, "write header cell", err)
		}
	}
	for r, row := range rows {
		for i, col := range columns {
			cell, err := excelize.CoordinatesToCellName(i+1, r+2)
			if err != nil {
				return nil, faults.Wrap(faults.ToolExecutionFailed, "resolve cell", err)
			}
			if err := f.SetCellValue(sheet, cell, stringifyCell(row[col])); err != nil {
				return nil, faults.Wrap(faults.ToolExecutionFailed, "write cell", err)
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return nil, faults.Wrap(faults.ToolExecutionFailed, fmt.Sprintf("cannot save %s", path), err)
	}

	return map[string]any{"file_path": path, "rows": len(rows)}, nil
}

// exportInput normalizes the loosely typed "rows" parameter and derives
// a stable column order from the union of row keys.
func exportInput(params map[string]any) ([]map[string]any, []string, error) {
	raw, ok := params["rows"]
	if !ok {
		return nil, nil, faults.New(faults.QueryInvalid, "parameter \"rows\" is required")
	}

	var rows []map[string]any
	switch v := raw.(type) {
	case []map[string]any:
		rows = v
	case []any:
		for _, item := range v {
			row, ok := item.(map[string]any)
			if !ok {
				return nil, nil, faults.New(faults.QueryInvalid, "rows must be objects")
			}
			rows = append(rows, row)
		}
	default:
		return nil, nil, faults.New(faults.QueryInvalid, "rows must be a list of objects")
	}

	columnSet := make(map[string]bool)
	for _, row := range rows {
		for col := range row {
			columnSet[col] = true
		}
	}
	columns := make([]string, 0, len(columnSet))
	for col := range columnSet {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	return rows, columns, nil
}

func exportPath(params map[string]any, fallback string) string {
	if v, ok := params["file_path"].(string); ok && v != "" {
		return v
	}
	return fallback
}

func stringifyCell(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers arrive as float64. Render integers without the
		// trailing ".0" Excel users complain about.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
