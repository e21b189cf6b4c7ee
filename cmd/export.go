package cmd

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"

	"github.com/plaitext/plait/core/files"
)

var exportVersion string

var exportCmd = &cobra.Command{
	Use:   "export <out.xlsx>",
	Short: "Export a version's materialized state to an Excel workbook",
	Long: `Export the files visible under a version to an .xlsx workbook.

The workbook gets a Files overview sheet, and every tracked CSV file
gets a sheet of its own with its settled rows.

Examples:
  plait export state.xlsx
  plait export state.xlsx --version stage`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVar(&exportVersion, "version", "", "Version to export (defaults to active)")
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	target := exportVersion
	if target == "" {
		active, err := ws.Versions().Active(ctx)
		if err != nil {
			return err
		}
		target = active.ID
	} else {
		v, err := resolveVersion(ctx, ws, target)
		if err != nil {
			return err
		}
		target = v.ID
	}

	states, err := ws.StateAt(ctx, target)
	if err != nil {
		return err
	}

	workbook, err := buildWorkbook(states)
	if err != nil {
		return err
	}
	defer workbook.Close()

	if err := workbook.SaveAs(args[0]); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}

	fmt.Printf("exported %d files to %s\n", len(states), args[0])
	return nil
}

func buildWorkbook(states []files.FileState) (*excelize.File, error) {
	workbook := excelize.NewFile()

	const overview = "Files"
	index, err := workbook.NewSheet(overview)
	if err != nil {
		workbook.Close()
		return nil, err
	}
	workbook.DeleteSheet("Sheet1")
	workbook.SetActiveSheet(index)

	if err := writeRow(workbook, overview, 1, []string{"Path", "File ID", "Size (bytes)"}); err != nil {
		workbook.Close()
		return nil, err
	}

	for i, state := range states {
		row := []string{state.Path, state.FileID, fmt.Sprintf("%d", len(state.Data))}
		if err := writeRow(workbook, overview, i+2, row); err != nil {
			workbook.Close()
			return nil, err
		}

		if path.Ext(state.Path) == ".csv" {
			if err := writeCSVSheet(workbook, state); err != nil {
				workbook.Close()
				return nil, err
			}
		}
	}

	return workbook, nil
}

// writeCSVSheet adds one sheet holding a CSV file's settled rows.
func writeCSVSheet(workbook *excelize.File, state files.FileState) error {
	records, err := csv.NewReader(bytes.NewReader(state.Data)).ReadAll()
	if err != nil {
		return fmt.Errorf("parse %s: %w", state.Path, err)
	}

	name := sheetName(state.Path)
	if _, err := workbook.NewSheet(name); err != nil {
		return err
	}

	for i, record := range records {
		if err := writeRow(workbook, name, i+1, record); err != nil {
			return err
		}
	}
	return nil
}

func writeRow(workbook *excelize.File, sheet string, row int, values []string) error {
	for col, value := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return err
		}
		if err := workbook.SetCellValue(sheet, cell, value); err != nil {
			return err
		}
	}
	return nil
}

// sheetName squeezes a file path into Excel's 31-character sheet name
// limit, replacing separators.
func sheetName(filePath string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "[", "_", "]", "_").Replace(filePath)
	if len(name) > 31 {
		name = name[len(name)-31:]
	}
	return name
}
