package output

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
)

// TableFormatter formats output as a human-readable table.
type TableFormatter struct {
	NoColor   bool // Disable ANSI colors
	Unicode   bool // Use Unicode box-drawing characters
	Condensed bool // Simplified output for non-TTY
}

// Format renders structs and string-keyed maps as a two-column table of
// fields and values. Other values are printed with %v.
func (f *TableFormatter) Format(data interface{}) (string, error) {
	rows := fieldRows(data)
	if rows == nil {
		return fmt.Sprintf("%v\n", data), nil
	}
	return f.FormatTable([]string{"FIELD", "VALUE"}, rows)
}

func fieldRows(data interface{}) [][]string {
	v := reflect.ValueOf(data)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		var rows [][]string
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			name := field.Name
			if tag, _, _ := strings.Cut(field.Tag.Get("json"), ","); tag == "-" {
				continue
			} else if tag != "" {
				name = tag
			}
			rows = append(rows, []string{name, fmt.Sprintf("%v", v.Field(i).Interface())})
		}
		return rows
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil
		}
		rows := make([][]string, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			rows = append(rows, []string{iter.Key().String(), fmt.Sprintf("%v", iter.Value().Interface())})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
		return rows
	}
	return nil
}

// FormatError renders an error in human-readable format.
func (f *TableFormatter) FormatError(err StructuredError) (string, error) {
	var buf bytes.Buffer

	if f.Condensed || !f.isTTY() {
		fmt.Fprintf(&buf, "Error: %s\n", err.Message)
		if err.Guidance != "" {
			fmt.Fprintf(&buf, "  Guidance: %s\n", err.Guidance)
		}
		if err.RecoveryCommand != "" {
			fmt.Fprintf(&buf, "  Try: %s\n", err.RecoveryCommand)
		}
		return buf.String(), nil
	}

	rule := f.rule(60)
	buf.WriteString(rule)
	fmt.Fprintf(&buf, "Error [%s]\n", err.Code)
	buf.WriteString(rule)
	fmt.Fprintf(&buf, "\n%s\n", err.Message)
	if err.Guidance != "" {
		fmt.Fprintf(&buf, "\n%s\n", err.Guidance)
	}
	if err.RecoveryCommand != "" {
		fmt.Fprintf(&buf, "\nTry: %s\n", err.RecoveryCommand)
	}
	buf.WriteString("\n" + rule)

	return buf.String(), nil
}

// FormatTable renders tabular data with headers and alignment.
func (f *TableFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	if len(rows) == 0 {
		return "No results found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, strings.Join(headers, "\t"))
	if f.Unicode && f.isTTY() {
		separators := make([]string, len(headers))
		for i := range separators {
			separators[i] = strings.Repeat("─", len(headers[i])+2)
		}
		fmt.Fprintln(w, strings.Join(separators, "\t"))
	}
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}

	if err := w.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (f *TableFormatter) rule(width int) string {
	if f.Unicode {
		return strings.Repeat("━", width) + "\n"
	}
	return strings.Repeat("-", width) + "\n"
}

// isTTY checks if stdout is a terminal.
func (f *TableFormatter) isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
