package offload

import "encoding/json"

// Row is one record from a query result, as the persistence contract
// returns it.
type Row = map[string]any

// splitRows packs rows greedily in input order: a running byte-size
// accumulator starts a new chunk when adding the next row would exceed
// chunkSize. A single row larger than chunkSize becomes its own chunk —
// rows are never split. Chunk order equals row order; tighter packing by
// reordering would break any ordering the result set carries.
func splitRows(rows []Row, chunkSize int) [][]Row {
	var chunks [][]Row
	var current []Row
	currentSize := 0

	for _, row := range rows {
		rowSize := serializedSize(row)

		if rowSize > chunkSize {
			if len(current) > 0 {
				chunks = append(chunks, current)
				current = nil
				currentSize = 0
			}
			chunks = append(chunks, []Row{row})
			continue
		}

		if currentSize+rowSize > chunkSize && len(current) > 0 {
			chunks = append(chunks, current)
			current = []Row{row}
			currentSize = rowSize
		} else {
			current = append(current, row)
			currentSize += rowSize
		}
	}

	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func serializedSize(row Row) int {
	b, err := json.Marshal(row)
	if err == nil {
		return len(b)
	}
	// Rows normally come straight off the persistence contract and
	// marshal fine; estimate anything exotic instead of failing.
	size := 2
	for k, v := range row {
		size += len(k) + 4
		if s, ok := v.(string); ok {
			size += len(s)
		} else {
			size += 8
		}
	}
	return size
}
