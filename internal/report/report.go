// Package report renders the outcome of a quantization run as ordered JSON
// or as a terminal table.
package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/ptq/pkg/mixedprecision"
	"github.com/samcharles93/ptq/pkg/ptq"
	"github.com/samcharles93/ptq/pkg/quant"
)

// Totals summarizes a run.
type Totals struct {
	Nodes         int     `json:"nodes"`
	WeightsMemory float64 `json:"weights_memory_bytes"`
	// Budget is omitted when the run was unconstrained.
	Budget      *float64                `json:"budget_bytes,omitempty"`
	Sensitivity float64                 `json:"sensitivity"`
	Optimal     bool                    `json:"optimal"`
	Counters    mixedprecision.Counters `json:"counters"`
}

// Report is one quantization run. Nodes keep plan order in JSON.
type Report struct {
	RunID   string                                         `json:"run_id"`
	Created time.Time                                      `json:"created"`
	Nodes   *orderedmap.OrderedMap[string, ptq.FrozenNode] `json:"nodes"`
	Totals  Totals                                         `json:"totals"`
}

// New builds a report from frozen nodes and the allocation result.
func New(nodes []ptq.FrozenNode, alloc mixedprecision.Result) *Report {
	r := &Report{
		RunID:   uuid.NewString(),
		Created: time.Now().UTC(),
		Nodes:   orderedmap.New[string, ptq.FrozenNode](),
		Totals: Totals{
			Nodes:       len(nodes),
			Sensitivity: alloc.Sensitivity,
			Optimal:     alloc.Optimal,
			Counters:    alloc.Counters,
		},
	}
	for _, n := range nodes {
		r.Nodes.Set(n.Name, n)
		r.Totals.WeightsMemory += n.Cost
	}
	if alloc.Budget != nil {
		b := *alloc.Budget
		r.Totals.Budget = &b
	}
	return r
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// WriteTable writes one row per node followed by the totals.
func (r *Report) WriteTable(w io.Writer) {
	rows := make([][]string, 0, r.Nodes.Len())
	for pair := r.Nodes.Oldest(); pair != nil; pair = pair.Next() {
		n := pair.Value
		sens := "-"
		if n.Sensitivity != nil {
			sens = strconv.FormatFloat(*n.Sensitivity, 'g', 4, 64)
		}
		rows = append(rows, []string{
			n.Name,
			n.Type,
			describe(n.Weights),
			describe(n.Activation),
			FormatBytes(n.Cost),
			sens,
		})
	}
	Table(w, []string{"NODE", "TYPE", "WEIGHTS", "ACTIVATION", "MEMORY", "SENSITIVITY"}, rows)

	budget := "unconstrained"
	if r.Totals.Budget != nil {
		budget = FormatBytes(*r.Totals.Budget)
	}
	_, _ = fmt.Fprintf(w, "\nrun %s: %d nodes, weights %s of %s, sensitivity %.4g",
		r.RunID, r.Totals.Nodes, FormatBytes(r.Totals.WeightsMemory), budget, r.Totals.Sensitivity)
	if !r.Totals.Optimal {
		_, _ = fmt.Fprint(w, " (search stopped early)")
	}
	_, _ = fmt.Fprintln(w)
}

// Table renders rows under header in the borderless style used by the CLI.
func Table(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
}

func describe(q ptq.Quantized) string {
	if !q.Enabled {
		return "float"
	}
	return DescribeParams(q.Params)
}

// DescribeParams summarizes params in one table cell.
func DescribeParams(p quant.Params) string {
	var b strings.Builder
	b.WriteString(p.Name())
	switch {
	case len(p.Threshold) == 1:
		fmt.Fprintf(&b, " th=%.4g", p.Threshold[0])
	case len(p.RangeMin) == 1:
		fmt.Fprintf(&b, " [%.4g, %.4g]", p.RangeMin[0], p.RangeMax[0])
	case len(p.Centers) > 0:
		fmt.Fprintf(&b, " k=%d", len(p.Centers))
	}
	if p.PerChannel {
		fmt.Fprintf(&b, " x%d", p.Channels())
	}
	return b.String()
}

// FormatBytes renders a byte count with binary units.
func FormatBytes(n float64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GiB", n/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MiB", n/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KiB", n/(1<<10))
	}
	return fmt.Sprintf("%.0f B", n)
}
