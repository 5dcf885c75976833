package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gomlx/gomx/mx"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func opsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ops [filter]",
		Short: "List the operators the engine provides",
		Long: "List the operators the engine provides, with their argument names " +
			"and descriptions. An optional filter keeps only operators whose name " +
			"contains it.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter string
			if len(args) == 1 {
				filter = strings.ToLower(args[0])
			}
			m := newManager()
			defer m.Close()
			return runOps(m, filter)
		},
	}
}

func runOps(m *mx.Manager, filter string) error {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Operators of engine %q", m.Engine().Name())))
	table := newPlainTable(true)
	table.Row("Operator", "Arguments", "Description")
	var count int
	for _, name := range m.Operators() {
		if filter != "" && !strings.Contains(strings.ToLower(name), filter) {
			continue
		}
		info, err := m.OperatorInfo(name)
		if err != nil {
			return err
		}
		table.Row(info.Name, strings.Join(info.ArgumentNames, ", "), info.Description)
		count++
	}
	fmt.Println(table.Render())
	fmt.Printf("%s operators shown\n", humanize.Comma(int64(count)))
	return nil
}
