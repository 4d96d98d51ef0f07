package csvparser

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

// ParseRecipients extracts recipient addresses from an uploaded subscriber
// CSV. The header row must contain an "Email" column (case-insensitive);
// duplicate and empty addresses are dropped. maxRows bounds how many data
// rows are read.
func ParseRecipients(r io.Reader, maxRows int) ([]string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}

	emailIdx := -1
	for i, h := range headers {
		if strings.EqualFold(strings.TrimSpace(h), "email") {
			emailIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, errors.New("csv must contain an Email column")
	}

	if maxRows <= 0 {
		maxRows = 1000
	}

	seen := make(map[string]struct{})
	recipients := make([]string, 0)

	for len(recipients) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if emailIdx >= len(record) {
			continue // skip malformed row
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}

		key := strings.ToLower(email)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		recipients = append(recipients, email)
	}

	if len(recipients) == 0 {
		return nil, errors.New("csv must contain at least one recipient")
	}

	return recipients, nil
}
