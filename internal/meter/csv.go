package meter

import (
	"context"
	"encoding/csv"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/billrecon/internal/model"
)

// ReadCSV reads a CSV meter export. The first record is the header; data
// rows are numbered from line 2.
func ReadCSV(ctx context.Context, r io.Reader) ([]model.RawRow, error) {
	headerCh := make(chan []string, 1)
	rowCh, errCh := streamCSV(ctx, r, headerCh)

	var records [][]string
	for rec := range rowCh {
		records = append(records, rec)
	}
	for err := range errCh {
		if err != nil {
			return nil, err
		}
	}

	var header []string
	select {
	case header = <-headerCh:
	default:
		return nil, eris.Wrap(ErrNoValidRows, "meter: empty csv")
	}
	return rowsFromTable(header, records, 2)
}

// streamCSV sends data records to the row channel and the header to
// headerCh. Both returned channels are closed when reading completes.
func streamCSV(ctx context.Context, r io.Reader, headerCh chan<- []string) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		reader.FieldsPerRecord = -1
		reader.LazyQuotes = true

		first := true
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "meter: csv read cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "meter: read csv row")
				return
			}

			if first {
				first = false
				headerCh <- record
				continue
			}

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "meter: csv read cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}
