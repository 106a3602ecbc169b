package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"awgctl/internal/model"
)

// ReadCSV loads samples from a file written by WriteCSV.
func ReadCSV(path string) ([]model.StatSample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.StatSample, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]model.StatSample, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(csvHeader) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		nums := make([]uint64, 4)
		for j := range nums {
			n, err := strconv.ParseUint(rec[4+j], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s at line %d: %w", csvHeader[4+j], i+1, err)
			}
			nums[j] = n
		}
		seq, _ := strconv.ParseInt(rec[1], 10, 64)
		epoch, _ := strconv.Atoi(rec[3])
		items = append(items, model.StatSample{
			Timestamp: ts,
			Seq:       seq,
			PublicKey: rec[2],
			Epoch:     epoch,
			RxBytes:   nums[0],
			TxBytes:   nums[1],
			RxDelta:   nums[2],
			TxDelta:   nums[3],
		})
	}

	return items, nil
}
