package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/the-crypt-keeper/llama-srb-api/pkg/api"
)

// modelColumnWidth caps the Model column; long model paths wrap.
const modelColumnWidth = 60

// renderStatusTable lists the served models with their engine state and the
// server's health. The State column is coloured when color is set.
func renderStatusTable(models []api.ModelInfo, health string, color bool) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Model", "Owner", "State", "Health"})
	for _, m := range models {
		tw.AppendRow(table.Row{m.ID, m.OwnedBy, m.EngineState, health})
	}

	state := table.ColumnConfig{Name: "State", Align: text.AlignCenter, AlignHeader: text.AlignCenter}
	if color {
		state.Transformer = func(val interface{}) string {
			s := fmt.Sprint(val)
			return stateColor(s).Sprint(s)
		}
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Model", WidthMax: modelColumnWidth},
		state,
		{Name: "Health", Align: text.AlignCenter, AlignHeader: text.AlignCenter},
	})
	return tw.Render()
}

// stateColor returns the colour for an engine state name.
func stateColor(state string) text.Colors {
	switch state {
	case "READY", "RUNNING":
		return text.Colors{text.FgGreen}
	case "INIT", "LOADING":
		return text.Colors{text.FgYellow}
	default:
		return text.Colors{text.FgRed}
	}
}
