// Package importer reads key files uploaded for bulk import. A file has a header row
// naming its columns; code and productId are required, the rest are optional.
package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"github.com/makkenzo/key-fulfillment-service/internal/util"
	"github.com/xuri/excelize/v2"
)

type Record struct {
	Code      string `json:"code"`
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	SKU       string `json:"sku,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Region    string `json:"region,omitempty"`
}

type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

type Batch struct {
	Records  []Record   `json:"records"`
	Rejected []RowError `json:"rejected,omitempty"`
}

const (
	colCode      = "code"
	colProductID = "productid"
	colVariantID = "variantid"
	colSKU       = "sku"
	colPlatform  = "platform"
	colRegion    = "region"
)

var aliases = map[string]string{
	"key":     colCode,
	"keycode": colCode,
	"product": colProductID,
	"variant": colVariantID,
}

// Parse picks the format from the file extension.
func Parse(filename string, r io.Reader) (*Batch, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return ParseCSV(r)
	case ".xlsx":
		return ParseXLSX(r)
	default:
		return nil, fmt.Errorf("%w: unsupported file type %q", ierr.ErrValidation, filepath.Ext(filename))
	}
}

func ParseCSV(r io.Reader) (*Batch, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: read csv: %v", ierr.ErrValidation, err)
	}
	return fromRows(rows)
}

// ParseXLSX reads the first sheet of the workbook.
func ParseXLSX(r io.Reader) (*Batch, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: open workbook: %v", ierr.ErrValidation, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ierr.ErrValidation)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: read sheet %s: %v", ierr.ErrValidation, sheets[0], err)
	}
	return fromRows(rows)
}

func fromRows(rows [][]string) (*Batch, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ierr.ErrValidation)
	}
	cols, err := header(rows[0])
	if err != nil {
		return nil, err
	}

	b := &Batch{}
	seen := make(map[string]int)
	for i, row := range rows[1:] {
		line := i + 2
		if blank(row) {
			continue
		}
		rec := Record{
			Code:      cell(row, cols, colCode),
			ProductID: cell(row, cols, colProductID),
			VariantID: cell(row, cols, colVariantID),
			SKU:       cell(row, cols, colSKU),
			Platform:  cell(row, cols, colPlatform),
			Region:    cell(row, cols, colRegion),
		}
		switch {
		case rec.Code == "":
			b.Rejected = append(b.Rejected, RowError{Row: line, Reason: "missing code"})
			continue
		case rec.ProductID == "":
			b.Rejected = append(b.Rejected, RowError{Row: line, Reason: "missing product id"})
			continue
		}

		hash := util.HashKeyCode(rec.Code)
		if first, dup := seen[hash]; dup {
			b.Rejected = append(b.Rejected, RowError{Row: line, Reason: fmt.Sprintf("duplicate of row %d", first)})
			continue
		}
		seen[hash] = line
		b.Records = append(b.Records, rec)
	}

	if len(b.Records) == 0 && len(b.Rejected) == 0 {
		return nil, fmt.Errorf("%w: file has no data rows", ierr.ErrValidation)
	}
	return b, nil
}

func header(row []string) (map[string]int, error) {
	cols := make(map[string]int, len(row))
	for i, name := range row {
		key := normalizeColumn(name)
		if a, ok := aliases[key]; ok {
			key = a
		}
		if _, dup := cols[key]; !dup && key != "" {
			cols[key] = i
		}
	}

	var missing []string
	for _, req := range []string{colCode, colProductID} {
		if _, ok := cols[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing columns: %s", ierr.ErrValidation, strings.Join(missing, ", "))
	}
	return cols, nil
}

func normalizeColumn(s string) string {
	s = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(s, "\ufeff")))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
}

func cell(row []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
