// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/Query-farm/vgi-rexec/examples/dataio"
	"github.com/Query-farm/vgi-rexec/rexec"
)

const previewItems = 5

func renderReport(w io.Writer, rep *dataio.Report) {
	fmt.Fprint(w, pterm.DefaultSection.Sprint(rep.Workflow))
	if rep.Principal != "" {
		fmt.Fprint(w, pterm.Info.Sprintfln("authenticated as %s", rep.Principal))
	}

	if len(rep.Outputs) > 0 {
		data := pterm.TableData{{"Output", "Kind", "Value"}}
		for _, v := range rep.Outputs {
			data = append(data, []string{v.Name(), v.Kind().String(), summarize(v)})
		}
		renderTable(w, data)
	}
	if len(rep.Files) > 0 {
		data := pterm.TableData{{"File", "Kind", "Type", "Bytes", "Status"}}
		for _, f := range rep.Files {
			status := "ok"
			if f.Path != "" {
				status = f.Path
			}
			if f.Err != nil {
				status = "failed: " + f.Err.Error()
			}
			data = append(data, []string{f.Name, string(f.Kind), f.MediaType, strconv.FormatInt(f.Bytes, 10), status})
		}
		renderTable(w, data)
	}
	for _, warn := range rep.Warnings {
		fmt.Fprint(w, pterm.Warning.Sprintfln("%s decoded as unrecognized %s", warn.Name, warn.Descriptor))
	}
}

func renderTable(w io.Writer, data pterm.TableData) {
	s, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		fmt.Fprintln(w, err)
		return
	}
	fmt.Fprintln(w, s)
}

func renderWorkflows(w io.Writer, workflows []dataio.Workflow) error {
	data := pterm.TableData{{"Command", "Login", "Description"}}
	for _, wf := range workflows {
		login := "no"
		if wf.Authenticated {
			login = "yes"
		}
		data = append(data, []string{strings.ReplaceAll(wf.Name, "/", " "), login, wf.Description})
	}
	s, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, s)
	return nil
}

func renderSuccess(w io.Writer, msg string) {
	fmt.Fprint(w, pterm.Success.Sprintln(msg))
}

func renderWarning(w io.Writer, headline, hint string) {
	fmt.Fprint(w, pterm.Warning.Sprintln(headline))
	fmt.Fprintln(w, "  "+hint)
}

func renderFailure(w io.Writer, headline, hint string) {
	fmt.Fprint(w, pterm.Error.Sprintln(headline))
	fmt.Fprintln(w, "  "+hint)
}

// summarize renders a value on one line, eliding long vectors.
func summarize(v rexec.Value) string {
	switch v := v.(type) {
	case rexec.NumericVector:
		items := make([]string, 0, min(len(v.Values), previewItems))
		for _, f := range v.Values[:min(len(v.Values), previewItems)] {
			items = append(items, strconv.FormatFloat(f, 'g', -1, 64))
		}
		return preview(items, len(v.Values))
	case rexec.StringVector:
		return preview(v.Values[:min(len(v.Values), previewItems)], len(v.Values))
	case rexec.Table:
		return fmt.Sprintf("%d rows x %d columns", v.Rows(), len(v.Columns))
	case rexec.Scalar:
		return strconv.Quote(v.Value)
	case rexec.Unrecognized:
		return "<" + v.Descriptor + ">"
	default:
		return ""
	}
}

func preview(items []string, total int) string {
	s := "[" + strings.Join(items, " ") + "]"
	if total > len(items) {
		s += fmt.Sprintf(" (+%d more)", total-len(items))
	}
	return s
}
