package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
)

// Output управляет форматированием вывода CLI.
type Output struct {
	jsonMode bool
	w        io.Writer // stdout для данных
	errW     io.Writer // stderr для сообщений
}

// NewOutput создаёт Output. Если jsonMode=true, данные выводятся в JSON.
func NewOutput(jsonMode bool) *Output {
	return &Output{
		jsonMode: jsonMode,
		w:        os.Stdout,
		errW:     os.Stderr,
	}
}

// Print выводит данные: таблицу или JSON в зависимости от режима.
// Пустая таблица заменяется сообщением в stderr.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	switch {
	case o.jsonMode:
		o.JSON(jsonData)
	case len(rows) == 0:
		fmt.Fprintln(o.errW, "No results")
	default:
		o.Table(headers, rows)
	}
}

// Table выводит строки с заголовком и разделителем.
func (o *Output) Table(headers []string, rows [][]string) {
	rule := make([]string, len(headers))
	for i, h := range headers {
		rule[i] = strings.Repeat("-", len(h))
	}

	o.tabular(func(tw *tabwriter.Writer) {
		for _, line := range append([][]string{headers, rule}, rows...) {
			fmt.Fprintln(tw, strings.Join(line, "\t"))
		}
	})
}

// Fields выводит карточку одного объекта: "ключ: значение" построчно.
func (o *Output) Fields(fields [][2]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.tabular(func(tw *tabwriter.Writer) {
		for _, f := range fields {
			fmt.Fprintf(tw, "%s:\t%s\n", f[0], f[1])
		}
	})
}

func (o *Output) tabular(write func(tw *tabwriter.Writer)) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	write(tw)
	tw.Flush()
}

// JSON выводит данные в формате JSON с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// Success выводит сообщение об успехе в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Warn выводит предупреждение в stderr.
func (o *Output) Warn(msg string) {
	fmt.Fprintln(o.errW, "Warning: "+msg)
}

// Error выводит сообщение об ошибке в stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func formatUUIDPtr(id *uuid.UUID) string {
	if id == nil {
		return "-"
	}
	return id.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
