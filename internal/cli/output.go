package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
)

// Output печатает ответы stepflow-api: таблицами для человека или JSON
// как есть (--json). Данные идут в w, сводки и подтверждения — в errW,
// чтобы stdout оставался пригодным для пайпов.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput создаёт Output поверх потоков команды.
func NewOutput(jsonMode bool, w, errW io.Writer) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// Print выводит строки таблицы или, в JSON-режиме, исходный ответ.
func (o *Output) Print(headers []string, rows [][]string, raw any) {
	if o.jsonMode {
		o.json(raw)
		return
	}
	o.table(headers, rows)
}

// RunDetail печатает run, трассу его шагов и ожидающий таймер.
func (o *Output) RunDetail(detail *RunDetail) {
	if o.jsonMode {
		o.json(detail)
		return
	}

	run := detail.Run
	o.table(
		[]string{"ID", "FUNCTION", "STATUS", "CURSOR", "ATTEMPT", "ERROR", "CREATED"},
		[][]string{{run.ID, run.FunctionID, run.Status, run.Cursor, strconv.Itoa(run.Attempt), errorText(run.ErrorKind, run.Error), run.CreatedAt}},
	)

	fmt.Fprintln(o.w)
	if len(detail.Steps) == 0 {
		fmt.Fprintln(o.w, "No steps recorded yet.")
	} else {
		rows := make([][]string, len(detail.Steps))
		for i, s := range detail.Steps {
			rows[i] = []string{strconv.Itoa(s.Position), s.StepID, s.Kind, s.Status, strconv.Itoa(s.Attempt), errorText(s.ErrorKind, s.Error)}
		}
		o.table([]string{"#", "STEP", "KIND", "STATUS", "ATTEMPT", "ERROR"}, rows)
	}

	if t := detail.Timer; t != nil {
		fmt.Fprintf(o.w, "\nTimer: %s wakes %s at %s\n", t.Reason, t.StepID, t.WakeAt)
	}
}

// RunPage печатает страницу runs функции и сводку по пагинации.
func (o *Output) RunPage(page *RunPage) {
	if o.jsonMode {
		o.json(page)
		return
	}

	rows := make([][]string, len(page.Runs))
	for i, r := range page.Runs {
		rows[i] = []string{r.ID, r.Status, r.Cursor, errorText(r.ErrorKind, r.Error), r.CreatedAt}
	}
	o.table([]string{"ID", "STATUS", "CURSOR", "ERROR", "CREATED"}, rows)
	o.Success(fmt.Sprintf("Page %d (%d per page), %d total", page.Page, page.PageSize, page.Total))
}

// Success выводит подтверждение в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

func (o *Output) table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

func (o *Output) json(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(o.errW, "encode output:", err)
	}
}

// errorText склеивает вид ошибки и сообщение для колонки ERROR.
func errorText(kind, msg string) string {
	switch {
	case kind == "":
		return msg
	case msg == "":
		return kind
	default:
		return kind + ": " + msg
	}
}
