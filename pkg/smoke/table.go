package smoke

import (
	"bufio"
	"strings"

	"github.com/pkg/errors"
)

const columnSeparator = "|"

func splitRow(line string) []string {
	cells := strings.Split(line, columnSeparator)
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}

func lines(output string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}

// GetIndex returns the position of column in the first table row of output.
// Cell positions count the empty cell before a leading separator.
func GetIndex(output, column string) (int, error) {
	for _, line := range lines(output) {
		if !strings.Contains(line, columnSeparator) {
			continue
		}
		for i, cell := range splitRow(line) {
			if cell == column {
				return i, nil
			}
		}
		return -1, errors.Errorf("column %q not found in header %q", column, line)
	}
	return -1, errors.Errorf("no table found in output")
}

// GetStatus reads the Status column of the first data row of a horizontal table.
func GetStatus(output string) (string, error) {
	idx, err := GetIndex(output, "Status")
	if err != nil {
		return "", err
	}
	for _, line := range lines(output) {
		if strings.Contains(line, "Status") || !strings.Contains(line, columnSeparator) {
			continue
		}
		cells := splitRow(line)
		if idx < len(cells) {
			return cells[idx], nil
		}
	}
	return "", errors.Errorf("no status row in output")
}

// GetID reads the value of the Id row of a vertical property table.
func GetID(output string) (string, error) {
	for _, line := range lines(output) {
		if !strings.Contains(line, columnSeparator) {
			continue
		}
		cells := splitRow(line)
		if len(cells) > 2 && cells[1] == "Id" {
			return cells[2], nil
		}
	}
	return "", errors.Errorf("no Id row in output")
}
