package statement

import (
	"bytes"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Ledger"

var xlsxHeader = []interface{}{
	"trans_no",
	"created_at",
	"trans_type",
	"credits",
	"balance_after",
	"order_no",
	"expired_at",
	"description",
}

func renderXLSX(st Statement) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(f.GetActiveSheetIndex()), sheetName); err != nil {
		return nil, err
	}
	if err := f.SetSheetRow(sheetName, "A1", &xlsxHeader); err != nil {
		return nil, err
	}

	row := 2
	for _, e := range st.Entries {
		values := []interface{}{
			e.TransNo,
			e.CreatedAt.UTC().Format(dateLayout),
			string(e.TransType),
			e.Credits,
			e.BalanceAfter,
			orderNo(e),
			expiry(e),
			e.Description,
		}
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return nil, err
		}
		row++
	}

	buf := &bytes.Buffer{}
	if err := f.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
