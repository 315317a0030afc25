package meter

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/billrecon/internal/model"
)

// ReadXLSX reads a meter export workbook. It uses the first sheet whose
// header row carries the required columns, falling back to the first sheet
// so the missing-column error names what is absent.
func ReadXLSX(data []byte) ([]model.RawRow, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "meter: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Wrap(ErrNoValidRows, "meter: workbook has no sheets")
	}

	sheet := f.Sheets[0]
	for _, s := range f.Sheets {
		if len(s.Rows) > 0 && hasRequired(rowToStrings(s.Rows[0])) {
			sheet = s
			break
		}
	}
	if len(sheet.Rows) == 0 {
		return nil, eris.Wrapf(ErrNoValidRows, "meter: sheet %q is empty", sheet.Name)
	}

	records := make([][]string, 0, len(sheet.Rows)-1)
	for _, row := range sheet.Rows[1:] {
		records = append(records, rowToStrings(row))
	}
	return rowsFromTable(rowToStrings(sheet.Rows[0]), records, 2)
}

func hasRequired(header []string) bool {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	for _, c := range RequiredColumns {
		if !have[c] {
			return false
		}
	}
	return true
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
