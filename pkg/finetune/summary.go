// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	frozenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	trainableRowStyle = lipgloss.NewStyle().
				Foreground(lipgloss.AdaptiveColor{Light: "28", Dark: "10"}).
				Bold(true).
				PaddingLeft(1).PaddingRight(1)
)

// ParameterCount returns the number of scalar parameters of the variables under the scope of ctx:
// all of them and only the trainable ones.
func ParameterCount(ctx *context.Context) (total, trainable int) {
	for v := range ctx.IterVariablesInScope() {
		if !v.IsValid() {
			continue
		}
		size := v.Shape().Size()
		total += size
		if v.Trainable {
			trainable += size
		}
	}
	return
}

// ParameterTable renders the variables under the scope of ctx as a table, sorted by scope and
// name. Trainable variables are highlighted.
func ParameterTable(ctx *context.Context) string {
	type row struct {
		cells     []string
		trainable bool
	}
	var rows []row
	for v := range ctx.IterVariablesInScope() {
		if !v.IsValid() {
			rows = append(rows, row{cells: []string{v.Scope(), v.Name(), "<invalid>", "", "", ""}})
			continue
		}
		shape := v.Shape()
		trainable := "no"
		if v.Trainable {
			trainable = "yes"
		}
		rows = append(rows, row{
			cells: []string{
				v.Scope(), v.Name(), shape.String(),
				humanize.Comma(int64(shape.Size())),
				humanize.Bytes(uint64(shape.Memory())),
				trainable,
			},
			trainable: v.Trainable,
		})
	}
	slices.SortFunc(rows, func(a, b row) int {
		if cmp := strings.Compare(a.cells[0], b.cells[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.cells[1], b.cells[1])
	})

	alignments := []lipgloss.Position{lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Center}
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(rowIdx, col int) (s lipgloss.Style) {
			switch {
			case rowIdx < 0:
				s = headerRowStyle
			case rows[rowIdx].trainable:
				s = trainableRowStyle
			default:
				s = frozenRowStyle
			}
			return s.Align(alignments[min(col, len(alignments)-1)])
		}).
		Headers("Scope", "Name", "Shape", "Size", "Bytes", "Trainable")
	for _, r := range rows {
		table.Row(r.cells...)
	}
	return table.Render()
}
