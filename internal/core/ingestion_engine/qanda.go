package ingestion_engine

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/markdave123-py/ragbot/internal/core"
	"github.com/markdave123-py/ragbot/internal/models"
)

// FormatQA renders a pair exactly as it is embedded and stored.
func FormatQA(question, answer string) string {
	return "Question: " + question + "\nAnswer: " + answer
}

// ParseQAFile reads question/answer pairs from a CSV or XLSX upload. A header
// row naming "question" and "answer" columns is honored; otherwise the first
// two columns are used.
func ParseQAFile(f models.FileUpload) ([]models.QAPair, error) {
	var (
		rows [][]string
		err  error
	)
	if ResolveContentType(f.Name, f.ContentType) == ContentTypeXLSX {
		rows, err = readXLSXRows(f.Data)
	} else {
		rows, err = readCSVRows(f.Data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", core.ErrExtractionFailure, f.Name, err)
	}

	pairs := pairsFromRows(rows)
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: %s: no question/answer rows", core.ErrExtractionFailure, f.Name)
	}
	return pairs, nil
}

func readCSVRows(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

func readXLSXRows(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	return f.GetRows(sheets[0])
}

func pairsFromRows(rows [][]string) []models.QAPair {
	if len(rows) == 0 {
		return nil
	}
	qi, ai := 0, 1
	if hq, ha, ok := headerColumns(rows[0]); ok {
		qi, ai = hq, ha
		rows = rows[1:]
	}

	var out []models.QAPair
	for _, row := range rows {
		if len(row) <= qi || len(row) <= ai {
			continue
		}
		q, a := strings.TrimSpace(row[qi]), strings.TrimSpace(row[ai])
		if q == "" || a == "" {
			continue
		}
		out = append(out, models.QAPair{Question: q, Answer: a})
	}
	return out
}

func headerColumns(row []string) (qi, ai int, ok bool) {
	qi, ai = -1, -1
	for i, cell := range row {
		switch strings.ToLower(strings.TrimSpace(cell)) {
		case "question", "questions", "q":
			qi = i
		case "answer", "answers", "a":
			ai = i
		}
	}
	return qi, ai, qi >= 0 && ai >= 0
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
