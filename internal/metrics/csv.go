package metrics

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"awgctl/internal/model"
)

var csvHeader = []string{
	"timestamp",
	"seq",
	"public_key",
	"epoch",
	"rx_bytes",
	"tx_bytes",
	"rx_delta",
	"tx_delta",
}

// WriteCSV writes samples to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.StatSample) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	for _, s := range items {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(s.Seq, 10),
			s.PublicKey,
			strconv.Itoa(s.Epoch),
			strconv.FormatUint(s.RxBytes, 10),
			strconv.FormatUint(s.TxBytes, 10),
			strconv.FormatUint(s.RxDelta, 10),
			strconv.FormatUint(s.TxDelta, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}
